// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tcsd.
//
// go-tcsd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tcsd/pkg/storage"
)

func TestFileStorage_CRUD(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	require.NoError(t, s.Put("keys/a", []byte("blob")))
	require.NoError(t, s.Put("keys/a", []byte("blob2")))

	v, err := s.Get("keys/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob2"), v)

	info, err := os.Stat(filepath.Join(root, "keys", "a"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	keys, err := s.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"keys/a"}, keys, "no temporary files left behind")

	ok, err := s.Exists("keys/a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete("keys/a"))
	assert.ErrorIs(t, s.Delete("keys/a"), storage.ErrNotFound)
	_, err = s.Get("keys/a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFileStorage_Persists(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	require.NoError(t, s.Put("keys/x", []byte("1")))
	require.NoError(t, s.Close())

	reopened, err := New(root)
	require.NoError(t, err)
	v, err := reopened.Get("keys/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestFileStorage_RejectsUnsafeKeys(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "/abs", "a/../../b", "a//b", "nul\x00", "keys/.tmp-1"} {
		t.Run(key, func(t *testing.T) {
			assert.ErrorIs(t, s.Put(key, []byte("x")), storage.ErrInvalidKey)
		})
	}
}

func TestFileStorage_RequiresRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
