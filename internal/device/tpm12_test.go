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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// scriptedTPM replays queued responses and records commands.
type scriptedTPM struct {
	commands  [][]byte
	responses [][]byte
	closed    bool
}

func (s *scriptedTPM) Write(p []byte) (int, error) {
	s.commands = append(s.commands, append([]byte(nil), p...))
	return len(p), nil
}

func (s *scriptedTPM) Read(p []byte) (int, error) {
	if len(s.responses) == 0 {
		return 0, errors.New("no scripted response")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return copy(p, r), nil
}

func (s *scriptedTPM) Close() error {
	s.closed = true
	return nil
}

func (s *scriptedTPM) respond(code uint32, body ...[]byte) {
	var payload []byte
	for _, b := range body {
		payload = append(payload, b...)
	}
	r := binary.BigEndian.AppendUint16(nil, 0x00C4)
	r = binary.BigEndian.AppendUint32(r, uint32(10+len(payload)))
	r = binary.BigEndian.AppendUint32(r, code)
	s.responses = append(s.responses, append(r, payload...))
}

func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func newScriptedTPM(t *testing.T) (*TPM, *scriptedTPM) {
	t.Helper()
	st := &scriptedTPM{}
	st.respond(0, u32(4), []byte{1, 2, 0, 0})
	tpm, err := NewTPM(context.Background(), st, nil)
	require.NoError(t, err)
	st.commands = nil
	return tpm, st
}

func TestTPM_ReadsVersion(t *testing.T) {
	tpm, _ := newScriptedTPM(t)
	assert.Equal(t, wire.Version{Major: 1, Minor: 2}, tpm.Version())
}

func TestTPM_OIAP(t *testing.T) {
	tpm, st := newScriptedTPM(t)
	nonce := wire.Nonce{0xAA, 0xBB}
	st.respond(0, u32(0x02000001), nonce[:])

	sess, err := tpm.OIAP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Handle(0x02000001), sess.Handle)
	assert.Equal(t, nonce, sess.NonceEven)
	assert.Equal(t, []byte{0x00, 0xC1, 0, 0, 0, 10, 0, 0, 0, 0x0A}, st.commands[0])
}

func TestTPM_OSAP(t *testing.T) {
	tpm, st := newScriptedTPM(t)
	even, shared := wire.Nonce{1}, wire.Nonce{2}
	st.respond(0, u32(7), even[:], shared[:])

	sess, err := tpm.OSAP(context.Background(), EntityKeyHandle, 0x01000001, wire.Nonce{9})
	require.NoError(t, err)
	assert.Equal(t, Handle(7), sess.Handle)
	assert.Equal(t, shared, sess.NonceEvenShared)

	cmd := st.commands[0]
	assert.Len(t, cmd, 10+2+4+wire.DigestSize)
	assert.Equal(t, uint16(EntityKeyHandle), binary.BigEndian.Uint16(cmd[10:]))
	assert.Equal(t, uint32(0x01000001), binary.BigEndian.Uint32(cmd[12:]))
}

func TestTPM_LoadKey2WithAuth(t *testing.T) {
	tpm, st := newScriptedTPM(t)
	respEven := wire.Nonce{0x55}
	resAuth := wire.Digest{0x66}
	st.respond(0, u32(0x01000005), respEven[:], []byte{1}, resAuth[:])

	auth := &wire.Auth{AuthHandle: 0x02000001, NonceOdd: wire.Nonce{3}, ContinueSession: false, HMAC: wire.Digest{4}}
	blob := []byte{0xde, 0xad}
	h, err := tpm.LoadKey2(context.Background(), SRKHandle, blob, auth)
	require.NoError(t, err)
	assert.Equal(t, Handle(0x01000005), h)
	assert.Equal(t, respEven, auth.NonceEven)
	assert.True(t, auth.ContinueSession)
	assert.Equal(t, resAuth, auth.HMAC)

	cmd := st.commands[0]
	assert.Equal(t, uint16(0x00C2), binary.BigEndian.Uint16(cmd))
	assert.Equal(t, uint32(SRKHandle), binary.BigEndian.Uint32(cmd[10:]))
	assert.Equal(t, blob, cmd[14:16])
	assert.Equal(t, uint32(0x02000001), binary.BigEndian.Uint32(cmd[16:]))
	assert.Len(t, cmd, 10+4+len(blob)+4+wire.DigestSize+1+wire.DigestSize)
}

func TestTPM_DeviceErrorPassesThrough(t *testing.T) {
	tpm, st := newScriptedTPM(t)
	st.respond(uint32(tss.TPMNoSpace))

	_, err := tpm.LoadKey2(context.Background(), SRKHandle, []byte{1}, nil)
	require.Error(t, err)
	assert.True(t, IsNoSpace(err))
	assert.Equal(t, tss.TPMNoSpace, tss.Code(err))
}

func TestTPM_GetRandomAndCapability(t *testing.T) {
	tpm, st := newScriptedTPM(t)
	st.respond(0, u32(3), []byte{7, 8, 9})
	st.respond(0, u32(4), u32(10))

	rnd, err := tpm.GetRandom(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8, 9}, rnd)

	sub := u32(CapPropMaxKeys)
	out, err := tpm.GetCapability(context.Background(), CapProperty, sub)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), binary.BigEndian.Uint32(out))
	assert.Equal(t, append(u32(CapProperty), append(u32(4), sub...)...), st.commands[1][10:])
}

func TestTPM_ShortResponse(t *testing.T) {
	tpm, st := newScriptedTPM(t)
	st.respond(0, u32(100), []byte{1})
	_, err := tpm.GetRandom(context.Background(), 100)
	assert.ErrorIs(t, err, ErrShortResponse)
}

func TestTPM_CanceledContext(t *testing.T) {
	tpm, st := newScriptedTPM(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tpm.OIAP(ctx)
	assert.Equal(t, tss.TCS(tss.ECanceled), tss.Code(err))
	assert.Empty(t, st.commands)
}

func TestTPM_FlushUsesResourceType(t *testing.T) {
	tpm, st := newScriptedTPM(t)
	st.respond(0)
	st.respond(0)
	require.NoError(t, tpm.EvictKey(context.Background(), 0x01000001))
	require.NoError(t, tpm.TerminateHandle(context.Background(), 0x02000001))
	assert.Equal(t, rtKey, binary.BigEndian.Uint32(st.commands[0][14:]))
	assert.Equal(t, rtAuth, binary.BigEndian.Uint32(st.commands[1][14:]))
	require.NoError(t, tpm.Close())
	assert.True(t, st.closed)
}
