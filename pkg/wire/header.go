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

const (
	// HeaderSize is the size of the fixed packet header.
	HeaderSize = 28

	// InitialBufferSize is the capacity a new Buffer starts with.
	InitialBufferSize = 1024

	// MaxBufferSize bounds both received packets and built responses.
	MaxBufferSize = 1 << 20
)

// Header is the fixed 28 byte header at the start of every packet. All
// fields are big-endian on the wire. For requests Result carries the
// command ordinal; for responses it carries the result code.
type Header struct {
	PacketSize uint32
	Result     uint32
	NumParms   uint32
	TypeSize   uint32
	TypeOffset uint32
	ParmSize   uint32
	ParmOffset uint32
}

// Ordinal returns the command ordinal of a request header.
func (h Header) Ordinal() uint32 {
	return h.Result
}

// ParseHeader decodes the header at the start of b without validating it.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: have %d bytes", ErrFraming, len(b))
	}
	return Header{
		PacketSize: binary.BigEndian.Uint32(b[0:]),
		Result:     binary.BigEndian.Uint32(b[4:]),
		NumParms:   binary.BigEndian.Uint32(b[8:]),
		TypeSize:   binary.BigEndian.Uint32(b[12:]),
		TypeOffset: binary.BigEndian.Uint32(b[16:]),
		ParmSize:   binary.BigEndian.Uint32(b[20:]),
		ParmOffset: binary.BigEndian.Uint32(b[24:]),
	}, nil
}

// Validate checks the internal consistency of the header: the packet size
// equals the end of the parameter region, there is one type tag per
// parameter, and the tag region lies between the header and the parameters.
func (h Header) Validate() error {
	if h.PacketSize < HeaderSize {
		return fmt.Errorf("%w: packet_size %d", ErrFraming, h.PacketSize)
	}
	// 64-bit arithmetic so crafted offsets cannot wrap.
	if uint64(h.PacketSize) != uint64(h.ParmOffset)+uint64(h.ParmSize) {
		return fmt.Errorf("%w: packet_size %d != parm_offset %d + parm_size %d",
			ErrMalformed, h.PacketSize, h.ParmOffset, h.ParmSize)
	}
	if h.NumParms != h.TypeSize {
		return fmt.Errorf("%w: num_parms %d != type_size %d", ErrMalformed, h.NumParms, h.TypeSize)
	}
	if h.TypeOffset < HeaderSize {
		return fmt.Errorf("%w: type_offset %d inside header", ErrMalformed, h.TypeOffset)
	}
	if uint64(h.TypeOffset)+uint64(h.TypeSize) > uint64(h.ParmOffset) {
		return fmt.Errorf("%w: type region overlaps parameters", ErrMalformed)
	}
	return nil
}

func (h Header) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:], h.PacketSize)
	binary.BigEndian.PutUint32(b[4:], h.Result)
	binary.BigEndian.PutUint32(b[8:], h.NumParms)
	binary.BigEndian.PutUint32(b[12:], h.TypeSize)
	binary.BigEndian.PutUint32(b[16:], h.TypeOffset)
	binary.BigEndian.PutUint32(b[20:], h.ParmSize)
	binary.BigEndian.PutUint32(b[24:], h.ParmOffset)
}
