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

package inversemap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waitless-dev/waitless/whash"
)

func TestRememberAndLookup_RoundTrips(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)

	path := "/usr/bin/gcc"
	h := whash.OfString(path)
	require.NoError(t, m.RememberString(h, path))

	got, err := m.LookupString(h)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestRemember_SameHashTwiceIsNoop(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)

	h := whash.OfString("a")
	require.NoError(t, m.RememberString(h, "a"))
	require.NoError(t, m.RememberString(h, "a"))
}

func TestLookup_MissingHashIsNotExist(t *testing.T) {
	m, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = m.Lookup(whash.OfString("never-remembered"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
