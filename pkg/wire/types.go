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
	"fmt"

	"github.com/google/uuid"
)

// Tag is the one byte type code recorded for each parameter.
type Tag uint8

const (
	TagUint32      Tag = 1
	TagPByte       Tag = 2
	TagEncAuth     Tag = 3
	TagVersion     Tag = 4
	TagDigest      Tag = 5
	TagUint16      Tag = 6
	TagByte        Tag = 7
	TagUUID        Tag = 8
	TagAuth        Tag = 9
	TagPCREvent    Tag = 10
	TagSecret      Tag = 11
	TagBool        Tag = 12
	TagNonce       Tag = 13
	TagKMKeyInfo   Tag = 14
	TagLoadKeyInfo Tag = 15
	TagUint64      Tag = 16
	TagKMKeyInfo2  Tag = 23
)

var tagNames = map[Tag]string{
	TagUint32:      "UINT32",
	TagPByte:       "PBYTE",
	TagEncAuth:     "ENCAUTH",
	TagVersion:     "VERSION",
	TagDigest:      "DIGEST",
	TagUint16:      "UINT16",
	TagByte:        "BYTE",
	TagUUID:        "UUID",
	TagAuth:        "AUTH",
	TagPCREvent:    "PCR_EVENT",
	TagSecret:      "SECRET",
	TagBool:        "BOOL",
	TagNonce:       "NONCE",
	TagKMKeyInfo:   "KM_KEYINFO",
	TagLoadKeyInfo: "LOADKEY_INFO",
	TagUint64:      "UINT64",
	TagKMKeyInfo2:  "KM_KEYINFO2",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TAG(%d)", uint8(t))
}

// DigestSize is the size of SHA-1 sized nonces, digests and secrets.
const DigestSize = 20

type (
	Nonce   [DigestSize]byte
	Digest  [DigestSize]byte
	Secret  [DigestSize]byte
	EncAuth [DigestSize]byte
)

// Version is a TCPA_VERSION structure.
type Version struct {
	Major    uint8
	Minor    uint8
	RevMajor uint8
	RevMinor uint8
}

// UUID is a TSS_UUID. Its big-endian encoding is the RFC 4122 byte layout,
// so it converts losslessly to and from uuid.UUID.
type UUID struct {
	TimeLow      uint32
	TimeMid      uint16
	TimeHigh     uint16
	ClockSeqHigh uint8
	ClockSeqLow  uint8
	Node         [6]byte
}

// Well known persistent storage UUIDs.
var (
	NullUUID = UUID{}
	SRKUUID  = UUID{Node: [6]byte{0, 0, 0, 0, 0, 1}}
)

// UUIDFrom converts an RFC 4122 UUID.
func UUIDFrom(u uuid.UUID) UUID {
	var out UUID
	r := &reader{b: u[:]}
	decodeUUID(r, &out)
	return out
}

// Google returns u as a uuid.UUID.
func (u UUID) Google() uuid.UUID {
	w := &writer{b: make([]byte, 0, 16)}
	u.encode(w)
	var out uuid.UUID
	copy(out[:], w.b)
	return out
}

func (u UUID) String() string {
	return u.Google().String()
}

// Auth is a TPM_AUTH block carried alongside an authorized command.
type Auth struct {
	AuthHandle      uint32
	NonceOdd        Nonce
	NonceEven       Nonce
	ContinueSession bool
	HMAC            Digest
}

// KMKeyInfo describes a registered key for enumeration.
type KMKeyInfo struct {
	Version       Version
	KeyUUID       UUID
	ParentUUID    UUID
	AuthDataUsage uint8
	IsLoaded      bool
	VendorData    []byte
}

// KMKeyInfo2 extends KMKeyInfo with persistent storage types.
type KMKeyInfo2 struct {
	Version                     Version
	KeyUUID                     UUID
	ParentUUID                  UUID
	AuthDataUsage               uint8
	PersistentStorageType       uint32
	PersistentStorageTypeParent uint32
	IsLoaded                    bool
	VendorData                  []byte
}

// LoadKeyInfo carries the parameters needed to authorize a key load on
// behalf of a client when the service reloads a registered key.
type LoadKeyInfo struct {
	KeyUUID     UUID
	ParentUUID  UUID
	ParamDigest Digest
	Auth        Auth
}

// PCREvent is a TSS_PCR_EVENT log record.
type PCREvent struct {
	Version   Version
	PCRIndex  uint32
	EventType uint32
	PCRValue  []byte
	Event     []byte
}

// Composite decoders. A nil destination measures: the reader advances by the
// encoded size without storing anything, so skipping and decoding share one
// implementation.

func decodeVersion(r *reader, v *Version) {
	if v == nil {
		r.fixed(4, nil)
		return
	}
	r.u8(&v.Major)
	r.u8(&v.Minor)
	r.u8(&v.RevMajor)
	r.u8(&v.RevMinor)
}

func decodeUUID(r *reader, u *UUID) {
	if u == nil {
		r.fixed(16, nil)
		return
	}
	r.u32(&u.TimeLow)
	r.u16(&u.TimeMid)
	r.u16(&u.TimeHigh)
	r.u8(&u.ClockSeqHigh)
	r.u8(&u.ClockSeqLow)
	r.fixed(len(u.Node), u.Node[:])
}

func decodeAuth(r *reader, a *Auth) {
	if a == nil {
		r.fixed(4+DigestSize+DigestSize+1+DigestSize, nil)
		return
	}
	r.u32(&a.AuthHandle)
	r.fixed(DigestSize, a.NonceOdd[:])
	r.fixed(DigestSize, a.NonceEven[:])
	r.boolean(&a.ContinueSession)
	r.fixed(DigestSize, a.HMAC[:])
}

func decodeKMKeyInfo(r *reader, k *KMKeyInfo) {
	var (
		ver        *Version
		id, parent *UUID
		usage      *uint8
		loaded     *bool
		vendor     *[]byte
	)
	if k != nil {
		ver, id, parent = &k.Version, &k.KeyUUID, &k.ParentUUID
		usage, loaded, vendor = &k.AuthDataUsage, &k.IsLoaded, &k.VendorData
	}
	decodeVersion(r, ver)
	decodeUUID(r, id)
	decodeUUID(r, parent)
	r.u8(usage)
	r.boolean(loaded)
	r.blob(vendor)
}

func decodeKMKeyInfo2(r *reader, k *KMKeyInfo2) {
	var (
		ver              *Version
		id, parent       *UUID
		usage            *uint8
		psType, psParent *uint32
		loaded           *bool
		vendor           *[]byte
	)
	if k != nil {
		ver, id, parent = &k.Version, &k.KeyUUID, &k.ParentUUID
		usage, psType, psParent = &k.AuthDataUsage, &k.PersistentStorageType, &k.PersistentStorageTypeParent
		loaded, vendor = &k.IsLoaded, &k.VendorData
	}
	decodeVersion(r, ver)
	decodeUUID(r, id)
	decodeUUID(r, parent)
	r.u8(usage)
	r.u32(psType)
	r.u32(psParent)
	r.boolean(loaded)
	r.blob(vendor)
}

func decodeLoadKeyInfo(r *reader, l *LoadKeyInfo) {
	var (
		id, parent *UUID
		digest     []byte
		auth       *Auth
	)
	if l != nil {
		id, parent, digest, auth = &l.KeyUUID, &l.ParentUUID, l.ParamDigest[:], &l.Auth
	}
	decodeUUID(r, id)
	decodeUUID(r, parent)
	r.fixed(DigestSize, digest)
	decodeAuth(r, auth)
}

func decodePCREvent(r *reader, e *PCREvent) {
	var (
		ver              *Version
		index, eventType *uint32
		value, event     *[]byte
	)
	if e != nil {
		ver, index, eventType = &e.Version, &e.PCRIndex, &e.EventType
		value, event = &e.PCRValue, &e.Event
	}
	decodeVersion(r, ver)
	r.u32(index)
	r.u32(eventType)
	r.blob(value)
	r.blob(event)
}

func (v Version) encode(w *writer) {
	w.u8(v.Major)
	w.u8(v.Minor)
	w.u8(v.RevMajor)
	w.u8(v.RevMinor)
}

func (u UUID) encode(w *writer) {
	w.u32(u.TimeLow)
	w.u16(u.TimeMid)
	w.u16(u.TimeHigh)
	w.u8(u.ClockSeqHigh)
	w.u8(u.ClockSeqLow)
	w.fixed(u.Node[:])
}

func (a Auth) encode(w *writer) {
	w.u32(a.AuthHandle)
	w.fixed(a.NonceOdd[:])
	w.fixed(a.NonceEven[:])
	w.boolean(a.ContinueSession)
	w.fixed(a.HMAC[:])
}

func (k KMKeyInfo) encode(w *writer) {
	k.Version.encode(w)
	k.KeyUUID.encode(w)
	k.ParentUUID.encode(w)
	w.u8(k.AuthDataUsage)
	w.boolean(k.IsLoaded)
	w.blob(k.VendorData)
}

func (k KMKeyInfo2) encode(w *writer) {
	k.Version.encode(w)
	k.KeyUUID.encode(w)
	k.ParentUUID.encode(w)
	w.u8(k.AuthDataUsage)
	w.u32(k.PersistentStorageType)
	w.u32(k.PersistentStorageTypeParent)
	w.boolean(k.IsLoaded)
	w.blob(k.VendorData)
}

func (l LoadKeyInfo) encode(w *writer) {
	l.KeyUUID.encode(w)
	l.ParentUUID.encode(w)
	w.fixed(l.ParamDigest[:])
	l.Auth.encode(w)
}

func (e PCREvent) encode(w *writer) {
	e.Version.encode(w)
	w.u32(e.PCRIndex)
	w.u32(e.EventType)
	w.blob(e.PCRValue)
	w.blob(e.Event)
}

// sink type-asserts a decode destination. A nil out is a valid measure-only
// request and yields a nil pointer.
func sink[T any](tag Tag, out any) (*T, error) {
	if out == nil {
		return nil, nil
	}
	p, ok := out.(*T)
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %s cannot decode into %T", ErrUnsupportedValue, tag, out)
	}
	return p, nil
}

// digestSink accepts any of the 20 byte array types for any 20 byte tag.
func digestSink(tag Tag, out any) ([]byte, error) {
	switch p := out.(type) {
	case nil:
		return nil, nil
	case *Nonce:
		return p[:], nil
	case *Digest:
		return p[:], nil
	case *Secret:
		return p[:], nil
	case *EncAuth:
		return p[:], nil
	case *[DigestSize]byte:
		return p[:], nil
	}
	return nil, fmt.Errorf("%w: %s cannot decode into %T", ErrUnsupportedValue, tag, out)
}

// decodeField decodes one parameter of the given tag from r into out, or
// skips it when out is nil.
func decodeField(tag Tag, r *reader, out any) error {
	var err error
	switch tag {
	case TagUint32:
		var p *uint32
		if p, err = sink[uint32](tag, out); err == nil {
			r.u32(p)
		}
	case TagUint16:
		var p *uint16
		if p, err = sink[uint16](tag, out); err == nil {
			r.u16(p)
		}
	case TagByte:
		var p *uint8
		if p, err = sink[uint8](tag, out); err == nil {
			r.u8(p)
		}
	case TagBool:
		var p *bool
		if p, err = sink[bool](tag, out); err == nil {
			r.boolean(p)
		}
	case TagUint64:
		var p *uint64
		if p, err = sink[uint64](tag, out); err == nil {
			r.u64(p)
		}
	case TagPByte:
		var p *[]byte
		if p, err = sink[[]byte](tag, out); err == nil {
			r.blob(p)
		}
	case TagNonce, TagDigest, TagSecret, TagEncAuth:
		var p []byte
		if p, err = digestSink(tag, out); err == nil {
			r.fixed(DigestSize, p)
		}
	case TagVersion:
		var p *Version
		if p, err = sink[Version](tag, out); err == nil {
			decodeVersion(r, p)
		}
	case TagUUID:
		var p *UUID
		if p, err = sink[UUID](tag, out); err == nil {
			decodeUUID(r, p)
		}
	case TagAuth:
		var p *Auth
		if p, err = sink[Auth](tag, out); err == nil {
			decodeAuth(r, p)
		}
	case TagKMKeyInfo:
		var p *KMKeyInfo
		if p, err = sink[KMKeyInfo](tag, out); err == nil {
			decodeKMKeyInfo(r, p)
		}
	case TagKMKeyInfo2:
		var p *KMKeyInfo2
		if p, err = sink[KMKeyInfo2](tag, out); err == nil {
			decodeKMKeyInfo2(r, p)
		}
	case TagLoadKeyInfo:
		var p *LoadKeyInfo
		if p, err = sink[LoadKeyInfo](tag, out); err == nil {
			decodeLoadKeyInfo(r, p)
		}
	case TagPCREvent:
		var p *PCREvent
		if p, err = sink[PCREvent](tag, out); err == nil {
			decodePCREvent(r, p)
		}
	default:
		return fmt.Errorf("%w: unknown tag %s", ErrTypeMismatch, tag)
	}
	if err != nil {
		return err
	}
	return r.err
}

// encodeField appends v encoded under tag.
func encodeField(tag Tag, w *writer, v any) error {
	switch tag {
	case TagUint32:
		if x, ok := v.(uint32); ok {
			w.u32(x)
			return nil
		}
	case TagUint16:
		if x, ok := v.(uint16); ok {
			w.u16(x)
			return nil
		}
	case TagByte:
		if x, ok := v.(uint8); ok {
			w.u8(x)
			return nil
		}
	case TagBool:
		if x, ok := v.(bool); ok {
			w.boolean(x)
			return nil
		}
	case TagUint64:
		if x, ok := v.(uint64); ok {
			w.u64(x)
			return nil
		}
	case TagPByte:
		if x, ok := v.([]byte); ok {
			w.blob(x)
			return nil
		}
	case TagNonce, TagDigest, TagSecret, TagEncAuth:
		switch x := v.(type) {
		case Nonce:
			w.fixed(x[:])
			return nil
		case Digest:
			w.fixed(x[:])
			return nil
		case Secret:
			w.fixed(x[:])
			return nil
		case EncAuth:
			w.fixed(x[:])
			return nil
		case [DigestSize]byte:
			w.fixed(x[:])
			return nil
		}
	case TagVersion:
		if x, ok := v.(Version); ok {
			x.encode(w)
			return nil
		}
	case TagUUID:
		if x, ok := v.(UUID); ok {
			x.encode(w)
			return nil
		}
	case TagAuth:
		switch x := v.(type) {
		case Auth:
			x.encode(w)
			return nil
		case *Auth:
			if x != nil {
				x.encode(w)
				return nil
			}
		}
	case TagKMKeyInfo:
		if x, ok := v.(KMKeyInfo); ok {
			x.encode(w)
			return nil
		}
	case TagKMKeyInfo2:
		if x, ok := v.(KMKeyInfo2); ok {
			x.encode(w)
			return nil
		}
	case TagLoadKeyInfo:
		if x, ok := v.(LoadKeyInfo); ok {
			x.encode(w)
			return nil
		}
	case TagPCREvent:
		if x, ok := v.(PCREvent); ok {
			x.encode(w)
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown tag %s", ErrTypeMismatch, tag)
	}
	return fmt.Errorf("%w: %s cannot encode %T", ErrUnsupportedValue, tag, v)
}
