// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package deputy implements one deputy in a sheriff/deputy process
// supervision system: it spawns and reaps the commands a sheriff
// assigns to its host, reconciles their desired vs. actual run state,
// and reports status back, all over a pluggable message bus.
//
// A deputy owns no persistent state of its own; a sheriff's most recent
// orders message is authoritative, and a deputy that restarts simply
// waits to be told what to run again. Multiple deputies, each with a
// distinct identity, can share one host or one bus.
package deputy
