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

package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildRequest finalizes a request packet with the given ordinal.
func buildRequest(t *testing.T, ordinal uint32, fields ...any) []byte {
	t.Helper()
	require.Zero(t, len(fields)%2, "fields are tag/value pairs")
	b := NewBuffer()
	for i := 0; i < len(fields); i += 2 {
		require.NoError(t, b.WriteField(fields[i].(Tag), fields[i+1]))
	}
	b.Finalize(ordinal)
	return append([]byte(nil), b.Bytes()...)
}

func TestBuffer_FinalizeHeaderInvariants(t *testing.T) {
	pkt := buildRequest(t, 23,
		TagUint32, uint32(7),
		TagNonce, Nonce{1, 2, 3},
		TagPByte, []byte("blob"))

	hdr, err := ParseHeader(pkt)
	require.NoError(t, err)
	assert.NoError(t, hdr.Validate())
	assert.Equal(t, uint32(len(pkt)), hdr.PacketSize)
	assert.Equal(t, uint32(23), hdr.Ordinal())
	assert.Equal(t, uint32(3), hdr.NumParms)
	assert.Equal(t, hdr.NumParms, hdr.TypeSize)
	assert.Equal(t, uint32(HeaderSize), hdr.TypeOffset)
	assert.Equal(t, hdr.PacketSize, hdr.ParmOffset+hdr.ParmSize)
	assert.Equal(t, []byte{byte(TagUint32), byte(TagNonce), byte(TagPByte)}, pkt[HeaderSize:HeaderSize+3])
	assert.Equal(t, uint32(4+DigestSize+4+4), hdr.ParmSize)
}

func TestBuffer_ReadFieldAnyOrder(t *testing.T) {
	pkt := buildRequest(t, 1,
		TagUint32, uint32(0xdeadbeef),
		TagPByte, []byte{9, 8, 7},
		TagUint16, uint16(0x0102),
		TagBool, true)

	b := NewBuffer()
	require.NoError(t, b.LoadPacket(pkt))
	assert.Equal(t, 4, b.NumParms())

	var flag bool
	require.NoError(t, b.ReadField(3, TagBool, &flag))
	assert.True(t, flag)

	var v uint32
	require.NoError(t, b.ReadField(0, TagUint32, &v))
	assert.Equal(t, uint32(0xdeadbeef), v)

	var u16 uint16
	require.NoError(t, b.ReadField(2, TagUint16, &u16))
	assert.Equal(t, uint16(0x0102), u16)

	var blob []byte
	require.NoError(t, b.ReadField(1, TagPByte, &blob))
	assert.Equal(t, []byte{9, 8, 7}, blob)

	// Measure only.
	require.NoError(t, b.ReadField(1, TagPByte, nil))
}

func TestBuffer_ReadFieldErrors(t *testing.T) {
	pkt := buildRequest(t, 1, TagUint32, uint32(1))
	b := NewBuffer()
	require.NoError(t, b.LoadPacket(pkt))

	tests := []struct {
		name  string
		index int
		tag   Tag
		out   any
		want  error
	}{
		{"index past end", 1, TagUint32, new(uint32), ErrIndex},
		{"negative index", -1, TagUint32, new(uint32), ErrIndex},
		{"tag mismatch", 0, TagUint16, new(uint16), ErrTypeMismatch},
		{"wrong destination type", 0, TagUint32, new(uint16), ErrUnsupportedValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, b.ReadField(tt.index, tt.tag, tt.out), tt.want)
		})
	}
}

func TestBuffer_BlobPastPacketEnd(t *testing.T) {
	pkt := buildRequest(t, 1, TagPByte, []byte{1, 2, 3, 4})
	// Inflate the blob length prefix beyond the packet.
	off := HeaderSize + 1
	binary.BigEndian.PutUint32(pkt[off:], 1000)

	b := NewBuffer()
	require.NoError(t, b.LoadPacket(pkt))
	var blob []byte
	assert.ErrorIs(t, b.ReadField(0, TagPByte, &blob), ErrShortField)
}

func TestBuffer_CompositeFields(t *testing.T) {
	id := UUIDFrom(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	auth := Auth{AuthHandle: 0x0200_0001, NonceOdd: Nonce{1}, NonceEven: Nonce{2}, ContinueSession: true, HMAC: Digest{3}}
	info := KMKeyInfo{Version: Version{1, 2, 0, 0}, KeyUUID: id, ParentUUID: SRKUUID, AuthDataUsage: 1, IsLoaded: true, VendorData: []byte("v")}
	info2 := KMKeyInfo2{KeyUUID: id, PersistentStorageType: 1, PersistentStorageTypeParent: 2}
	lki := LoadKeyInfo{KeyUUID: id, ParentUUID: SRKUUID, ParamDigest: Digest{9}, Auth: auth}
	ev := PCREvent{Version: Version{1, 2, 0, 0}, PCRIndex: 10, EventType: 5, PCRValue: make([]byte, 20), Event: []byte("boot")}

	pkt := buildRequest(t, 0,
		TagUUID, id,
		TagAuth, auth,
		TagKMKeyInfo, info,
		TagKMKeyInfo2, info2,
		TagLoadKeyInfo, lki,
		TagPCREvent, ev,
		TagUint64, uint64(1)<<40,
		TagVersion, Version{1, 2, 3, 4},
		TagSecret, Secret{7},
		TagByte, uint8(0xff))

	b := NewBuffer()
	require.NoError(t, b.LoadPacket(pkt))

	var gotEv PCREvent
	require.NoError(t, b.ReadField(5, TagPCREvent, &gotEv))
	assert.Equal(t, ev, gotEv)

	var gotID UUID
	require.NoError(t, b.ReadField(0, TagUUID, &gotID))
	assert.Equal(t, id, gotID)

	var gotAuth Auth
	require.NoError(t, b.ReadField(1, TagAuth, &gotAuth))
	assert.Equal(t, auth, gotAuth)

	var gotInfo KMKeyInfo
	require.NoError(t, b.ReadField(2, TagKMKeyInfo, &gotInfo))
	assert.Equal(t, info, gotInfo)

	var gotInfo2 KMKeyInfo2
	require.NoError(t, b.ReadField(3, TagKMKeyInfo2, &gotInfo2))
	assert.Equal(t, info2, gotInfo2)

	var gotLKI LoadKeyInfo
	require.NoError(t, b.ReadField(4, TagLoadKeyInfo, &gotLKI))
	assert.Equal(t, lki, gotLKI)

	var u64 uint64
	require.NoError(t, b.ReadField(6, TagUint64, &u64))
	assert.Equal(t, uint64(1)<<40, u64)

	var s Secret
	require.NoError(t, b.ReadField(8, TagSecret, &s))
	assert.Equal(t, Secret{7}, s)

	var by uint8
	require.NoError(t, b.ReadField(9, TagByte, &by))
	assert.Equal(t, uint8(0xff), by)
}

func TestBuffer_RoundTripBounds(t *testing.T) {
	var ones [DigestSize]byte
	for i := range ones {
		ones[i] = 0xff
	}
	maxVersion := Version{math.MaxUint8, math.MaxUint8, math.MaxUint8, math.MaxUint8}
	maxUUID := UUID{
		TimeLow:      math.MaxUint32,
		TimeMid:      math.MaxUint16,
		TimeHigh:     math.MaxUint16,
		ClockSeqHigh: math.MaxUint8,
		ClockSeqLow:  math.MaxUint8,
		Node:         [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	maxAuth := Auth{
		AuthHandle:      math.MaxUint32,
		NonceOdd:        Nonce(ones),
		NonceEven:       Nonce(ones),
		ContinueSession: true,
		HMAC:            Digest(ones),
	}
	// Empty variable length fields decode as nil.
	tests := []struct {
		name string
		tag  Tag
		in   any
		out  any
	}{
		{"uint32 zero", TagUint32, uint32(0), new(uint32)},
		{"uint32 max", TagUint32, uint32(math.MaxUint32), new(uint32)},
		{"uint16 zero", TagUint16, uint16(0), new(uint16)},
		{"uint16 max", TagUint16, uint16(math.MaxUint16), new(uint16)},
		{"uint64 zero", TagUint64, uint64(0), new(uint64)},
		{"uint64 max", TagUint64, uint64(math.MaxUint64), new(uint64)},
		{"byte zero", TagByte, uint8(0), new(uint8)},
		{"byte max", TagByte, uint8(math.MaxUint8), new(uint8)},
		{"bool false", TagBool, false, new(bool)},
		{"bool true", TagBool, true, new(bool)},
		{"pbyte empty", TagPByte, []byte{}, new([]byte)},
		{"pbyte filled", TagPByte, bytes.Repeat([]byte{0xff}, 300), new([]byte)},
		{"nonce zero", TagNonce, Nonce{}, new(Nonce)},
		{"nonce max", TagNonce, Nonce(ones), new(Nonce)},
		{"digest max", TagDigest, Digest(ones), new(Digest)},
		{"secret max", TagSecret, Secret(ones), new(Secret)},
		{"encauth max", TagEncAuth, EncAuth(ones), new(EncAuth)},
		{"version zero", TagVersion, Version{}, new(Version)},
		{"version max", TagVersion, maxVersion, new(Version)},
		{"uuid null", TagUUID, NullUUID, new(UUID)},
		{"uuid max", TagUUID, maxUUID, new(UUID)},
		{"auth zero", TagAuth, Auth{}, new(Auth)},
		{"auth max", TagAuth, maxAuth, new(Auth)},
		{"pcr event empty", TagPCREvent, PCREvent{}, new(PCREvent)},
		{"pcr event max", TagPCREvent, PCREvent{
			Version:   maxVersion,
			PCRIndex:  math.MaxUint32,
			EventType: math.MaxUint32,
			PCRValue:  ones[:],
		}, new(PCREvent)},
		{"keyinfo empty vendor", TagKMKeyInfo, KMKeyInfo{}, new(KMKeyInfo)},
		{"keyinfo max", TagKMKeyInfo, KMKeyInfo{
			Version:       maxVersion,
			KeyUUID:       maxUUID,
			ParentUUID:    SRKUUID,
			AuthDataUsage: math.MaxUint8,
			IsLoaded:      true,
			VendorData:    []byte{0xff, 0},
		}, new(KMKeyInfo)},
		{"keyinfo2 zero", TagKMKeyInfo2, KMKeyInfo2{}, new(KMKeyInfo2)},
		{"keyinfo2 max", TagKMKeyInfo2, KMKeyInfo2{
			Version:                     maxVersion,
			KeyUUID:                     maxUUID,
			ParentUUID:                  SRKUUID,
			AuthDataUsage:               math.MaxUint8,
			PersistentStorageType:       math.MaxUint32,
			PersistentStorageTypeParent: math.MaxUint32,
			IsLoaded:                    true,
			VendorData:                  []byte("vendor"),
		}, new(KMKeyInfo2)},
		{"loadkey info zero", TagLoadKeyInfo, LoadKeyInfo{}, new(LoadKeyInfo)},
		{"loadkey info max", TagLoadKeyInfo, LoadKeyInfo{
			KeyUUID:     maxUUID,
			ParentUUID:  maxUUID,
			ParamDigest: Digest(ones),
			Auth:        maxAuth,
		}, new(LoadKeyInfo)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer()
			require.NoError(t, b.LoadPacket(buildRequest(t, 1, tt.tag, tt.in)))
			require.NoError(t, b.ReadField(0, tt.tag, tt.out))
			assert.Equal(t, tt.in, reflect.ValueOf(tt.out).Elem().Interface())
		})
	}
}

func TestBuffer_GrowsMonotonically(t *testing.T) {
	b := NewBuffer()
	start := b.Cap()
	big := make([]byte, 3*InitialBufferSize)
	require.NoError(t, b.WriteField(TagPByte, big))
	grown := b.Cap()
	assert.Greater(t, grown, start)

	b.Reset()
	require.NoError(t, b.WriteField(TagUint32, uint32(1)))
	assert.Equal(t, grown, b.Cap(), "reset keeps capacity")
}

func TestBuffer_GrowthLimit(t *testing.T) {
	b := NewBuffer()
	err := b.WriteField(TagPByte, make([]byte, MaxBufferSize))
	assert.ErrorIs(t, err, ErrTooLarge)

	// A failed response degrades to a zero parameter error packet.
	b.Fail(0x2005)
	hdr := b.Header()
	assert.Equal(t, uint32(HeaderSize), hdr.PacketSize)
	assert.Equal(t, uint32(0), hdr.NumParms)
	assert.Equal(t, uint32(0x2005), hdr.Result)
}

func TestBuffer_FailDiscardsPartialResponse(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteField(TagUint32, uint32(1)))
	require.NoError(t, b.WriteField(TagNonce, Nonce{}))
	b.Fail(0x2004)
	assert.Len(t, b.Bytes(), HeaderSize)
	assert.Equal(t, 0, b.NumParms())
}

func TestBuffer_FinalizeAfterRead(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.LoadPacket(buildRequest(t, 3, TagUint32, uint32(1))))
	b.Finalize(0)
	assert.Len(t, b.Bytes(), HeaderSize, "request parameters are not echoed")
}

func TestBuffer_ReadFrom(t *testing.T) {
	first := buildRequest(t, 44, TagUint32, uint32(1), TagUint32, uint32(16))
	second := buildRequest(t, 23, TagUint32, uint32(1))
	stream := bytes.NewReader(append(append([]byte(nil), first...), second...))

	b := NewBuffer()
	n, err := b.ReadFrom(stream)
	require.NoError(t, err)
	assert.Equal(t, int64(len(first)), n)
	assert.Equal(t, uint32(44), b.Ordinal())

	_, err = b.ReadFrom(stream)
	require.NoError(t, err)
	assert.Equal(t, uint32(23), b.Ordinal())

	_, err = b.ReadFrom(stream)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBuffer_ReadFromMalformedKeepsStreamInSync(t *testing.T) {
	bad := buildRequest(t, 44, TagUint32, uint32(1))
	// num_parms no longer matches type_size.
	binary.BigEndian.PutUint32(bad[8:], 2)
	good := buildRequest(t, 23, TagUint32, uint32(1))
	stream := bytes.NewReader(append(append([]byte(nil), bad...), good...))

	b := NewBuffer()
	_, err := b.ReadFrom(stream)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 0, b.NumParms())

	_, err = b.ReadFrom(stream)
	require.NoError(t, err)
	assert.Equal(t, uint32(23), b.Ordinal())
}

func TestBuffer_ReadFromFramingErrors(t *testing.T) {
	tests := []struct {
		name string
		size uint32
		want error
	}{
		{"smaller than header", 10, ErrFraming},
		{"larger than limit", MaxBufferSize + 1, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := make([]byte, HeaderSize)
			binary.BigEndian.PutUint32(pkt, tt.size)
			_, err := NewBuffer().ReadFrom(bytes.NewReader(pkt))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBuffer_ReadFromTruncated(t *testing.T) {
	pkt := buildRequest(t, 44, TagUint32, uint32(1))
	_, err := NewBuffer().ReadFrom(bytes.NewReader(pkt[:len(pkt)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestBuffer_WriteTo(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteField(TagUint32, uint32(5)))
	b.Finalize(0)
	var out bytes.Buffer
	n, err := b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize+1+4), n)
	assert.Equal(t, b.Bytes(), out.Bytes())
}

func TestBuffer_WriteFieldRejectsWrongType(t *testing.T) {
	b := NewBuffer()
	assert.ErrorIs(t, b.WriteField(TagUint32, 5), ErrUnsupportedValue)
	assert.ErrorIs(t, b.WriteField(Tag(99), uint32(5)), ErrTypeMismatch)
}

func TestUUID_GoogleConversion(t *testing.T) {
	g := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	u := UUIDFrom(g)
	assert.Equal(t, uint32(0x00112233), u.TimeLow)
	assert.Equal(t, uint16(0x4455), u.TimeMid)
	assert.Equal(t, uint16(0x6677), u.TimeHigh)
	assert.Equal(t, uint8(0x88), u.ClockSeqHigh)
	assert.Equal(t, uint8(0x99), u.ClockSeqLow)
	assert.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, u.Node)
	assert.Equal(t, g, u.Google())
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", SRKUUID.String())
}
