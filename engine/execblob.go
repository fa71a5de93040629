// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// waitlessEnvPrefix is stripped from the exec blob so preload state
// never pollutes a node's identity, per spec §6's "no hidden state"
// property.
const waitlessEnvPrefix = "WAITLESS"

// filterEnv drops every entry whose name begins with waitlessEnvPrefix.
func filterEnv(envp []string) []string {
	out := make([]string, 0, len(envp))
	for _, e := range envp {
		name, _, _ := strings.Cut(e, "=")
		if strings.HasPrefix(name, waitlessEnvPrefix) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// packExecBlob builds the bit-exact exec-arg blob described in spec
// §6:
//
//	path\0 | u32 argc | argv[0]\0 ... argv[argc-1]\0
//	       | u32 envc  | envp[0]\0 ... envp[envc-1]\0
//	       | cwd\0
//
// Integers are little-endian, diverging from the original's host byte
// order per spec §9's portability recommendation. When linked is true
// (this process is pipe-linked to another process's spine), the envc/
// envp and cwd sections are omitted entirely, so the node's data
// captures only path‖argc‖argv[*].
func packExecBlob(path string, argv, envp []string, cwd string, linked bool) []byte {
	var buf bytes.Buffer

	buf.WriteString(path)
	buf.WriteByte(0)

	writeUint32(&buf, uint32(len(argv)))
	for _, a := range argv {
		buf.WriteString(a)
		buf.WriteByte(0)
	}

	if linked {
		return buf.Bytes()
	}

	filtered := filterEnv(envp)
	writeUint32(&buf, uint32(len(filtered)))
	for _, e := range filtered {
		buf.WriteString(e)
		buf.WriteByte(0)
	}

	buf.WriteString(cwd)
	buf.WriteByte(0)

	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
