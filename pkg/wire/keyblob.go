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
	"encoding/binary"
	"fmt"
)

// TagKey12 marks a TPM_KEY12 structure. Older TPM_KEY blobs start with a
// four byte version in the same position.
const TagKey12 uint16 = 0x0028

// KeyParms is a TPM_KEY_PARMS structure.
type KeyParms struct {
	AlgorithmID uint32
	EncScheme   uint16
	SigScheme   uint16
	Parms       []byte
}

// KeyBlob is a parsed TPM_KEY or TPM_KEY12 wrapped key.
type KeyBlob struct {
	// Lead holds the version (TPM_KEY) or tag and fill (TPM_KEY12).
	Lead          [4]byte
	KeyUsage      uint16
	KeyFlags      uint32
	AuthDataUsage uint8
	Parms         KeyParms
	PCRInfo       []byte
	PubKey        []byte
	EncData       []byte
}

// Is12 reports whether k is a TPM_KEY12.
func (k *KeyBlob) Is12() bool {
	return binary.BigEndian.Uint16(k.Lead[:2]) == TagKey12
}

func decodeKeyParms(r *reader, p *KeyParms) {
	var (
		alg      *uint32
		enc, sig *uint16
		parms    *[]byte
	)
	if p != nil {
		alg, enc, sig, parms = &p.AlgorithmID, &p.EncScheme, &p.SigScheme, &p.Parms
	}
	r.u32(alg)
	r.u16(enc)
	r.u16(sig)
	r.blob(parms)
}

func decodeKeyBlob(r *reader, k *KeyBlob) {
	var (
		lead              []byte
		usage             *uint16
		flags             *uint32
		authUsage         *uint8
		parms             *KeyParms
		pcr, pub, encData *[]byte
	)
	if k != nil {
		lead, usage, flags, authUsage = k.Lead[:], &k.KeyUsage, &k.KeyFlags, &k.AuthDataUsage
		parms, pcr, pub, encData = &k.Parms, &k.PCRInfo, &k.PubKey, &k.EncData
	}
	r.fixed(4, lead)
	r.u16(usage)
	r.u32(flags)
	r.u8(authUsage)
	decodeKeyParms(r, parms)
	r.blob(pcr)
	r.blob(pub)
	r.blob(encData)
}

// KeyBlobSize returns the encoded size of the key blob at the start of b.
func KeyBlobSize(b []byte) (int, error) {
	r := &reader{b: b}
	decodeKeyBlob(r, nil)
	if r.err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadKeyBlob, r.err)
	}
	return r.off, nil
}

// ParseKeyBlob parses a wrapped key. Trailing bytes are rejected.
func ParseKeyBlob(b []byte) (*KeyBlob, error) {
	k := &KeyBlob{}
	r := &reader{b: b}
	decodeKeyBlob(r, k)
	if r.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKeyBlob, r.err)
	}
	if r.off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadKeyBlob, len(b)-r.off)
	}
	return k, nil
}

func (p KeyParms) encode(w *writer) {
	w.u32(p.AlgorithmID)
	w.u16(p.EncScheme)
	w.u16(p.SigScheme)
	w.blob(p.Parms)
}

// Marshal encodes k.
func (k *KeyBlob) Marshal() []byte {
	w := &writer{}
	w.fixed(k.Lead[:])
	w.u16(k.KeyUsage)
	w.u32(k.KeyFlags)
	w.u8(k.AuthDataUsage)
	k.Parms.encode(w)
	w.blob(k.PCRInfo)
	w.blob(k.PubKey)
	w.blob(k.EncData)
	return w.b
}

// PublicKey encodes the TPM_PUBKEY portion of k, as returned by GetPubKey.
func (k *KeyBlob) PublicKey() []byte {
	w := &writer{}
	k.Parms.encode(w)
	w.blob(k.PubKey)
	return w.b
}

// ParsePublicKey extracts the key material from a TPM_PUBKEY.
func ParsePublicKey(b []byte) (KeyParms, []byte, error) {
	var (
		parms KeyParms
		key   []byte
	)
	r := &reader{b: b}
	decodeKeyParms(r, &parms)
	r.blob(&key)
	if r.err != nil {
		return KeyParms{}, nil, fmt.Errorf("%w: %w", ErrBadKeyBlob, r.err)
	}
	return parms, key, nil
}
