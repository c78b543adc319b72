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

package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

func request(t *testing.T, o Ordinal, fields ...any) *wire.Buffer {
	t.Helper()
	b := wire.NewBuffer()
	for i := 0; i < len(fields); i += 2 {
		require.NoError(t, b.WriteField(fields[i].(wire.Tag), fields[i+1]))
	}
	b.Finalize(uint32(o))
	pkt := append([]byte(nil), b.Bytes()...)
	in := wire.NewBuffer()
	require.NoError(t, in.LoadPacket(pkt))
	return in
}

func echo(_ context.Context, c *Conn) error {
	var v uint32
	if err := c.Buf.ReadField(0, wire.TagUint32, &v); err != nil {
		return err
	}
	return c.Buf.WriteField(wire.TagUint32, v+1)
}

func TestTable_Dispatch(t *testing.T) {
	failing := func(context.Context, *Conn) error {
		return tss.NewError(tss.TPMAuthFail, "auth failed")
	}
	partial := func(_ context.Context, c *Conn) error {
		_ = c.Buf.WriteField(wire.TagUint32, uint32(1))
		return errors.New("boom")
	}
	table := New(Config{
		Handlers: map[Ordinal]Handler{
			OrdGetRandom:  echo,
			OrdStirRandom: echo,
			OrdOIAP:       failing,
			OrdSign:       partial,
		},
		Disabled:  []Ordinal{OrdStirRandom},
		RemoteOps: []Ordinal{OrdGetRandom},
	})

	tests := []struct {
		name    string
		ordinal Ordinal
		local   bool
		want    tss.Result
		parms   int
	}{
		{"handler success", OrdGetRandom, true, tss.Success, 1},
		{"remote allowed", OrdGetRandom, false, tss.Success, 1},
		{"remote denied", OrdOIAP, false, tss.TCS(tss.EFail), 0},
		{"handler error", OrdOIAP, true, tss.TPMAuthFail, 0},
		{"partial output discarded", OrdSign, true, tss.TCS(tss.EInternalError), 0},
		{"disabled ordinal", OrdStirRandom, true, tss.TCS(tss.ENotImpl), 0},
		{"unregistered ordinal", OrdSeal, true, tss.TCS(tss.ENotImpl), 0},
		{"out of range", OrdLast, true, tss.TCS(tss.EInternalError), 0},
		{"far out of range", Ordinal(0xffff), true, tss.TCS(tss.EInternalError), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Conn{Buf: request(t, tt.ordinal, wire.TagUint32, uint32(41)), Local: tt.local, Peer: "peer"}
			got := table.Dispatch(context.Background(), c)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, uint32(tt.want), c.Buf.Result())
			assert.Equal(t, tt.parms, c.Buf.NumParms())

			hdr := c.Buf.Header()
			require.NoError(t, hdr.Validate())
			assert.Equal(t, uint32(len(c.Buf.Bytes())), hdr.PacketSize)
			if tt.parms == 1 {
				var v uint32
				require.NoError(t, c.Buf.ReadField(0, wire.TagUint32, &v))
				assert.Equal(t, uint32(42), v)
			}
		})
	}
}

func TestTable_NoAllowListPermitsRemote(t *testing.T) {
	table := New(Config{Handlers: map[Ordinal]Handler{OrdGetRandom: echo}})
	assert.True(t, table.Permitted(OrdGetRandom, false))
	assert.True(t, table.Permitted(OrdSeal, false))

	c := &Conn{Buf: request(t, OrdGetRandom, wire.TagUint32, uint32(1))}
	assert.Equal(t, tss.Success, table.Dispatch(context.Background(), c))
}

func TestTable_Lookup(t *testing.T) {
	table := New(Config{})
	e, ok := table.Lookup(OrdOIAP)
	require.True(t, ok)
	assert.Equal(t, "OIAP", e.Name)
	assert.NotNil(t, e.Handler)

	_, ok = table.Lookup(OrdLast)
	assert.False(t, ok)
}

func TestParseOrdinal(t *testing.T) {
	tests := []struct {
		in      string
		want    Ordinal
		wantErr bool
	}{
		{"OIAP", OrdOIAP, false},
		{"oiap", OrdOIAP, false},
		{"TCSD_ORD_GETRANDOM", OrdGetRandom, false},
		{"LoadKeyByUUID", OrdLoadKeyByUUID, false},
		{"44", OrdGetRandom, false},
		{"0x78", OrdFlushSpecific, false},
		{"123", 0, true},
		{"NoSuchThing", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOrdinal(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOrdinal_String(t *testing.T) {
	assert.Equal(t, "GetCapability", OrdGetCapability.String())
	assert.Equal(t, "Ordinal(99)", Ordinal(99).String())
}
