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

// Package pathutil canonicalizes the paths a process passes to
// intercepted syscalls into an absolute, lexically-cleaned form before
// they are hashed, so that "foo", "./foo", and "../bar/../foo" issued
// from the same working directory hash to the same subgraph node.
package pathutil

import "path/filepath"

// Canonicalize resolves path against cwd (which must already be
// absolute) the same way the kernel would: relative paths are joined
// onto cwd, and the result is lexically cleaned of "." and ".."
// components. It does not resolve symlinks -- spec.md's Non-goals
// exclude symlink disambiguation.
func Canonicalize(cwd, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(cwd, path))
}
