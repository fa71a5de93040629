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

package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/waitless-dev/waitless/inversemap"
	"github.com/waitless-dev/waitless/metrics"
	"github.com/waitless-dev/waitless/statcache"
	"github.com/waitless-dev/waitless/whash"
)

func newTestSnapshot(t *testing.T) (*Snapshot, *statcache.StatCache) {
	t.Helper()
	dir := t.TempDir()
	sc, err := statcache.Open(filepath.Join(dir, "stat_cache"), 64, metrics.New())
	require.NoError(t, err)
	t.Cleanup(func() { sc.Close() })

	s, err := Open(filepath.Join(dir, "snapshot"), 64, sc)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, sc
}

func TestUpdate_MissingPathReturnsZero(t *testing.T) {
	s, _ := newTestSnapshot(t)
	h, err := s.Update("/nonexistent/really", whash.OfString("p"), true)
	require.NoError(t, err)
	assert.True(t, h.IsZero())
}

func TestUpdate_ExistsThenUnexpectedlyGoneIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	s, _ := newTestSnapshot(t)
	pathHash := whash.OfString(path)
	_, err := s.Update(path, pathHash, false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	_, err = s.Update(path, pathHash, false)
	require.Error(t, err)
	var ec *ExistenceConflictError
	require.ErrorAs(t, err, &ec)
}

func TestUpdate_PlaceholderThenRealHashPromotes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	s, _ := newTestSnapshot(t)
	pathHash := whash.OfString(path)

	placeholder, err := s.Update(path, pathHash, false)
	require.NoError(t, err)
	assert.True(t, placeholder.IsAllOnes())

	real, err := s.Update(path, pathHash, true)
	require.NoError(t, err)
	assert.False(t, real.IsAllOnes())

	kept, err := s.Update(path, pathHash, false)
	require.NoError(t, err)
	assert.Equal(t, real, kept, "existence-only observation must not downgrade a known hash")
}

func TestUpdateAndMark_SetsMarkAtomicallyWithHash(t *testing.T) {
	s, _ := newTestSnapshot(t)
	p := whash.OfString("p")

	h, err := s.UpdateAndMark("/nonexistent", p, false, true, Read)
	require.NoError(t, err)
	assert.True(t, h.IsZero())

	f, ok := s.Flags(p)
	require.True(t, ok)
	assert.True(t, f.Read())
}

// TestUpdateAndMark_RefusesAgainstAnInFlightWrite is the regression
// case for the race UpdateAndMark closes: OpenWrite setting the
// Writing flag must never be observable as having happened strictly
// between an open_read's hash update and its flag set, so a single
// locked UpdateAndMark call is the only way to check Writing and mark
// Read in one critical section.
func TestUpdateAndMark_RefusesAgainstAnInFlightWrite(t *testing.T) {
	s, _ := newTestSnapshot(t)
	p := whash.OfString("p")

	require.NoError(t, s.OpenWrite(p))

	_, err := s.UpdateAndMark("/nonexistent", p, false, true, Read)
	require.Error(t, err)
	var wc *WriteConflictError
	require.ErrorAs(t, err, &wc)

	f, ok := s.Flags(p)
	require.True(t, ok)
	assert.False(t, f.Read(), "a refused UpdateAndMark must not set mark")
}

func TestOpenWrite_BlockedAfterRead(t *testing.T) {
	s, _ := newTestSnapshot(t)
	p := whash.OfString("p")

	_, err := s.Update("/nonexistent", p, false)
	require.NoError(t, err)
	s.MarkRead(p)

	err = s.OpenWrite(p)
	require.Error(t, err)
	var wc *WriteConflictError
	require.ErrorAs(t, err, &wc)
}

func TestOpenWrite_ThenCloseWriteRecordsHash(t *testing.T) {
	s, _ := newTestSnapshot(t)
	p := whash.OfString("p")

	require.NoError(t, s.OpenWrite(p))
	content := whash.OfString("written")
	require.NoError(t, s.CloseWrite(p, content))

	f, ok := s.Flags(p)
	require.True(t, ok)
	assert.True(t, f.Written())
	assert.False(t, f.Writing())
}

func TestCloseWrite_WithoutOpenIsError(t *testing.T) {
	s, _ := newTestSnapshot(t)
	err := s.CloseWrite(whash.OfString("p"), whash.OfString("v"))
	require.Error(t, err)
}

func TestVerify_CleanRunSucceeds(t *testing.T) {
	s, _ := newTestSnapshot(t)
	im, err := inversemap.Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Update("/nonexistent", whash.OfString("p"), false)
	require.NoError(t, err)

	warnings, err := s.Verify(im)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestVerify_UnterminatedWriteFails(t *testing.T) {
	s, _ := newTestSnapshot(t)
	im, err := inversemap.Open(t.TempDir())
	require.NoError(t, err)

	p := whash.OfString("p")
	require.NoError(t, s.OpenWrite(p))

	_, err = s.Verify(im)
	require.Error(t, err)
	var ue *UnterminatedWriteError
	require.ErrorAs(t, err, &ue)
}

func TestVerify_DetectsExternalModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	s, _ := newTestSnapshot(t)
	im, err := inversemap.Open(t.TempDir())
	require.NoError(t, err)

	pathHash := whash.OfString(path)
	require.NoError(t, im.RememberString(pathHash, path))
	_, err = s.Update(path, pathHash, true)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("modified by someone else"), 0o600))

	warnings, err := s.Verify(im)
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}
