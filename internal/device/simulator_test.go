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

package device

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tcsd/internal/testutil"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

func TestSimulator_KeySlots(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(2, 4)

	blob, _ := testutil.KeyBlob(testutil.KeyUsageStorage)
	a, err := sim.LoadKey2(ctx, SRKHandle, blob, nil)
	require.NoError(t, err)
	b, err := sim.LoadKey2(ctx, a, blob, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = sim.LoadKey2(ctx, SRKHandle, blob, nil)
	assert.True(t, IsNoSpace(err))

	require.NoError(t, sim.EvictKey(ctx, a))
	assert.Equal(t, 1, sim.Loaded())
	_, err = sim.LoadKey2(ctx, SRKHandle, blob, nil)
	require.NoError(t, err)

	err = sim.EvictKey(ctx, SRKHandle)
	assert.Equal(t, tss.TPMInvalidKeyHandle, tss.Code(err))
}

func TestSimulator_LoadRejects(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(2, 2)
	blob, _ := testutil.KeyBlob(testutil.KeyUsageStorage)

	_, err := sim.LoadKey2(ctx, 0x01009999, blob, nil)
	assert.Equal(t, tss.TPMInvalidKeyHandle, tss.Code(err))

	_, err = sim.LoadKey2(ctx, SRKHandle, []byte{1, 2, 3}, nil)
	assert.Equal(t, tss.TPMBadParameter, tss.Code(err))

	_, err = sim.LoadKey2(ctx, SRKHandle, blob, &wire.Auth{AuthHandle: 0x02000042})
	assert.Equal(t, tss.TPMInvalidAuthHandle, tss.Code(err))
}

func TestSimulator_SessionSlots(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(2, 2)

	s1, err := sim.OIAP(ctx)
	require.NoError(t, err)
	s2, err := sim.OSAP(ctx, EntitySRK, uint32(SRKHandle), wire.Nonce{})
	require.NoError(t, err)
	assert.NotEqual(t, s1.Handle, s2.Handle)
	assert.NotEqual(t, s1.NonceEven, s2.NonceEven)
	assert.NotEqual(t, wire.Nonce{}, s2.NonceEvenShared)

	_, err = sim.OIAP(ctx)
	assert.True(t, IsResources(err))

	require.NoError(t, sim.TerminateHandle(ctx, s1.Handle))
	assert.False(t, sim.HasSession(s1.Handle))
	_, err = sim.OIAP(ctx)
	require.NoError(t, err)
}

func TestSimulator_AuthUseRotatesNonce(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(2, 2)
	sess, err := sim.OIAP(ctx)
	require.NoError(t, err)

	blob, _ := testutil.KeyBlob(testutil.KeyUsageSigning)
	auth := &wire.Auth{AuthHandle: uint32(sess.Handle), ContinueSession: true}
	h, err := sim.LoadKey2(ctx, SRKHandle, blob, auth)
	require.NoError(t, err)
	assert.NotEqual(t, sess.NonceEven, auth.NonceEven)
	assert.True(t, sim.HasSession(sess.Handle))

	auth.ContinueSession = false
	_, err = sim.GetPubKey(ctx, h, auth)
	require.NoError(t, err)
	assert.False(t, sim.HasSession(sess.Handle), "session ends when continue is clear")
}

func TestSimulator_DSAP(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(2, 2)

	_, err := sim.DSAP(ctx, EntityOwner, SRKHandle, wire.Nonce{}, nil)
	assert.Equal(t, tss.TPMBadParameter, tss.Code(err))

	sess, err := sim.DSAP(ctx, EntityDelBlob, SRKHandle, wire.Nonce{}, []byte("delegation"))
	require.NoError(t, err)
	assert.True(t, sim.HasSession(sess.Handle))
}

func TestSimulator_GetPubKey(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(2, 2)
	blob, modulus := testutil.KeyBlob(testutil.KeyUsageSigning)
	h, err := sim.LoadKey2(ctx, SRKHandle, blob, nil)
	require.NoError(t, err)

	pub, err := sim.GetPubKey(ctx, h, nil)
	require.NoError(t, err)
	_, key, err := wire.ParsePublicKey(pub)
	require.NoError(t, err)
	assert.Equal(t, modulus, key)
}

func TestSimulator_Capabilities(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(3, 5)

	tests := []struct {
		prop uint32
		want uint32
	}{
		{CapPropMaxKeys, 3},
		{CapPropSlots, 3},
		{CapPropMaxAuthSess, 5},
	}
	for _, tt := range tests {
		out, err := sim.GetCapability(ctx, CapProperty, binary.BigEndian.AppendUint32(nil, tt.prop))
		require.NoError(t, err)
		assert.Equal(t, tt.want, binary.BigEndian.Uint32(out))
	}

	ver, err := sim.GetCapability(ctx, CapVersion, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 19}, ver)

	_, err = sim.GetCapability(ctx, 0x99, nil)
	assert.Error(t, err)
}

func TestSimulator_Closed(t *testing.T) {
	sim := NewSimulator(1, 1)
	require.NoError(t, sim.Close())
	_, err := sim.GetRandom(context.Background(), 4)
	assert.ErrorIs(t, err, ErrClosed)
}
