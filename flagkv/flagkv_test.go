// Copyright 2025 The earshot Authors
// This file is part of the earshot library.
//
// The earshot library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The earshot library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the earshot library. If not, see <http://www.gnu.org/licenses/>.

package flagkv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	s := Static{"feature:voice:transport:sfu": "true"}
	v, ok := s.Lookup("feature:voice:transport:sfu")
	require.True(t, ok)
	require.Equal(t, "true", v)
	_, ok = s.Lookup("missing")
	require.False(t, ok)
}

func TestFileLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":"1","b":"two"}`), 0644))

	f, err := Open(path, nil)
	require.NoError(t, err)
	defer f.Close()

	v, ok := f.Lookup("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
	_, ok = f.Lookup("c")
	require.False(t, ok)
}

func TestFileMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.json"), nil)
	require.Error(t, err)
}

func TestFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(`[1,2]`), 0644))
	_, err := Open(path, nil)
	require.Error(t, err)
}

func TestFileReloadOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"k":"old"}`), 0644))

	f, err := Open(path, nil)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"k":"new"}`), 0644))
	require.Eventually(t, func() bool {
		v, _ := f.Lookup("k")
		return v == "new"
	}, 3*time.Second, 10*time.Millisecond)
}

// A broken rewrite must not wipe the previously loaded values.
func TestFileReloadKeepsOldOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"k":"good"}`), 0644))

	f, err := Open(path, nil)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0644))
	// Give the watcher a moment to see the event.
	time.Sleep(200 * time.Millisecond)

	v, ok := f.Lookup("k")
	require.True(t, ok)
	require.Equal(t, "good", v)
}

// Atomic rename-over, the usual editor and deploy pattern, must reload too.
func TestFileRenameOver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"k":"v1"}`), 0644))

	f, err := Open(path, nil)
	require.NoError(t, err)
	defer f.Close()

	tmp := filepath.Join(dir, "flags.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"k":"v2"}`), 0644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		v, _ := f.Lookup("k")
		return v == "v2"
	}, 3*time.Second, 10*time.Millisecond)
}
