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

package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tcsd/internal/testutil"
	"github.com/jeremyhahn/go-tcsd/pkg/storage/file"
	"github.com/jeremyhahn/go-tcsd/pkg/storage/memory"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

var srk = wire.SRKUUID.Google()

func TestRegistry_RegisterHierarchy(t *testing.T) {
	r := New(memory.New(), nil)
	storageBlob, _ := testutil.KeyBlob(testutil.KeyUsageStorage)
	signBlob, signPub := testutil.KeyBlob(testutil.KeyUsageSigning)
	parent, child := uuid.New(), uuid.New()

	require.NoError(t, r.Register(parent, srk, storageBlob, nil))
	require.NoError(t, r.Register(child, parent, signBlob, []byte("vendor")))

	rec, err := r.Get(child)
	require.NoError(t, err)
	assert.Equal(t, parent, rec.ParentUUID)
	assert.Equal(t, signBlob, rec.Blob)
	assert.Equal(t, signPub, rec.PubKey())
	assert.False(t, rec.Registered.IsZero())

	path, err := r.Path(child)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, child, path[0].UUID)
	assert.Equal(t, parent, path[1].UUID)

	found, err := r.FindByPublic(signPub)
	require.NoError(t, err)
	assert.Equal(t, child, found.UUID)

	all, err := r.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	info := rec.KeyInfo(wire.Version{Major: 1, Minor: 2}, true)
	assert.Equal(t, wire.UUIDFrom(child), info.KeyUUID)
	assert.Equal(t, wire.UUIDFrom(parent), info.ParentUUID)
	assert.True(t, info.IsLoaded)
	assert.Equal(t, []byte("vendor"), info.VendorData)
}

func TestRegistry_Errors(t *testing.T) {
	r := New(memory.New(), nil)
	blob, _ := testutil.KeyBlob(testutil.KeyUsageStorage)
	id := uuid.New()
	require.NoError(t, r.Register(id, srk, blob, nil))

	tests := []struct {
		name string
		err  error
		want error
		code tss.Result
	}{
		{"duplicate", r.Register(id, srk, blob, nil), ErrExists, tss.TCS(tss.EPSKeyExists)},
		{"missing parent", r.Register(uuid.New(), uuid.New(), blob, nil), ErrNoParent, tss.TCS(tss.EPSKeyNotFound)},
		{"reserved srk", r.Register(srk, srk, blob, nil), ErrReserved, tss.TCS(tss.EBadParameter)},
		{"bad blob", r.Register(uuid.New(), srk, []byte{1}, nil), ErrInvalidBlob, tss.TCS(tss.TCSEInvalidKey)},
		{"unregister missing", r.Unregister(uuid.New()), ErrNotFound, tss.TCS(tss.EPSKeyNotFound)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.want)
			assert.Equal(t, tt.code, tss.Code(tt.err))
		})
	}
}

func TestRegistry_UnregisterRespectsChildren(t *testing.T) {
	r := New(memory.New(), nil)
	blob, _ := testutil.KeyBlob(testutil.KeyUsageStorage)
	parent, child := uuid.New(), uuid.New()
	require.NoError(t, r.Register(parent, srk, blob, nil))
	require.NoError(t, r.Register(child, parent, blob, nil))

	assert.ErrorIs(t, r.Unregister(parent), ErrHasChildren)
	require.NoError(t, r.Unregister(child))
	require.NoError(t, r.Unregister(parent))

	_, err := r.Get(parent)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_FileBackendSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := file.New(dir)
	require.NoError(t, err)
	r := New(store, nil)

	blob, pub := testutil.KeyBlob(testutil.KeyUsageSigning)
	id := uuid.New()
	require.NoError(t, r.Register(id, srk, blob, nil))
	require.NoError(t, r.Close())

	store, err = file.New(dir)
	require.NoError(t, err)
	r = New(store, nil)
	rec, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, pub, rec.PubKey())
}
