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

package deputy

import (
	"os"
	"strings"
)

// splitArgv tokenizes an exec string using shell-style rules: whitespace
// separates tokens, single/double quotes group, and a backslash escapes
// the next character (including inside quotes). A "\$" is kept as is so
// that expandVariables can emit it as a literal "$".
func splitArgv(s string) []string {
	var tokens []string
	var cur strings.Builder
	haveToken := false
	var quote rune

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(runes) {
				i++
				if runes[i] == '$' {
					cur.WriteRune('\\')
				}
				cur.WriteRune(runes[i])
			} else if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			haveToken = true
		case c == '\\' && i+1 < len(runes):
			i++
			if runes[i] == '$' {
				cur.WriteRune('\\')
			}
			cur.WriteRune(runes[i])
			haveToken = true
		case c == ' ' || c == '\t' || c == '\n':
			if haveToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				haveToken = false
			}
		default:
			cur.WriteRune(c)
			haveToken = true
		}
	}
	if haveToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// splitEnvPrefix pulls leading KEY=VALUE tokens off the front of argv,
// returning the environment assignments (in order) and the remaining
// argv. Matching stops at the first token without an '=' in it.
func splitEnvPrefix(tokens []string) (env []string, argv []string) {
	i := 0
	for ; i < len(tokens); i++ {
		if idx := strings.Index(tokens[i], "="); idx > 0 {
			env = append(env, tokens[i])
		} else {
			break
		}
	}
	argv = tokens[i:]
	return env, argv
}

func isVarStartChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isVarChar(c byte) bool {
	return isVarStartChar(c) || (c >= '0' && c <= '9')
}

// lookupVar consults vars first, then the process environment.
func lookupVar(name string, vars map[string]string) (string, bool) {
	if vars != nil {
		if v, ok := vars[name]; ok {
			return v, true
		}
	}
	return os.LookupEnv(name)
}

// expandVariables replaces $NAME and ${NAME} occurrences in input with
// the value of NAME, looked up first in vars then in the process
// environment. Invalid or undefined references are left unchanged
// (including the '$' and any braces). A literal "\$" emits "$". This is
// idempotent on strings containing no '$' or '\'.
func expandVariables(input string, vars map[string]string) string {
	var out strings.Builder
	i := 0
	n := len(input)
	for i < n {
		c := input[i]
		if c == '\\' && i+1 < n {
			out.WriteByte(input[i+1])
			i += 2
			continue
		}
		if c == '\\' {
			// trailing lone backslash
			out.WriteByte(c)
			i++
			continue
		}
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}

		// c == '$'
		start := i
		j := i + 1
		braced := j < n && input[j] == '{'
		if braced {
			j++
		}
		nameStart := j
		if j < n && isVarStartChar(input[j]) {
			j++
			for j < n && isVarChar(input[j]) {
				j++
			}
		}
		name := input[nameStart:j]

		bracesOK := true
		end := j
		if braced {
			if j < n && input[j] == '}' {
				end = j + 1
			} else {
				bracesOK = false
			}
		}

		if name != "" && bracesOK {
			if val, ok := lookupVar(name, vars); ok {
				out.WriteString(val)
				i = end
				continue
			}
		}
		// undefined or malformed reference: leave unchanged
		out.WriteString(input[start:end])
		i = end
	}
	return out.String()
}

// prepareArgsAndEnvironment splits execStr into environment assignments
// and an argv, then applies variable expansion to every remaining argv
// token (never to the environment assignments themselves, matching
// PrepareArgsAndEnvironment).
func prepareArgsAndEnvironment(execStr string, vars map[string]string) (env []string, argv []string) {
	tokens := splitArgv(execStr)
	env, rawArgv := splitEnvPrefix(tokens)
	argv = make([]string, len(rawArgv))
	for i, tok := range rawArgv {
		argv[i] = expandVariables(tok, vars)
	}
	return env, argv
}
