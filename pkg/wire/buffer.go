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
	"io"
)

// Buffer is a growable packet buffer owned by one connection. It holds a
// received request for random access reads and is then rebuilt in place as
// the response.
//
// A Buffer alternates between two modes. After ReadFrom or LoadPacket it is
// in read mode and ReadField serves parameters from the packet. The first
// WriteField switches it to write mode: parameters are appended after the
// header while their tags are collected separately, and Finalize lays the
// header and tags down in front of the payload.
type Buffer struct {
	data    []byte
	hdr     Header
	writing bool
	tags    []byte

	// read cursor: parameter nextIndex starts at byte offset nextOffset
	nextIndex  uint32
	nextOffset uint32
}

// NewBuffer returns an empty buffer with the default initial capacity.
func NewBuffer() *Buffer {
	b := &Buffer{data: make([]byte, HeaderSize, InitialBufferSize)}
	b.Reset()
	return b
}

// Reset discards all content and leaves the buffer in write mode with no
// parameters. The backing storage is kept.
func (b *Buffer) Reset() {
	b.data = b.data[:HeaderSize]
	clear(b.data)
	b.tags = b.tags[:0]
	b.hdr = Header{}
	b.writing = true
	b.nextIndex = 0
	b.nextOffset = 0
}

// Cap returns the capacity of the backing storage.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Header returns the header of the packet last loaded or finalized.
func (b *Buffer) Header() Header {
	return b.hdr
}

// Ordinal returns the command ordinal of a loaded request.
func (b *Buffer) Ordinal() uint32 {
	return b.hdr.Result
}

// Result returns the result code of a loaded response.
func (b *Buffer) Result() uint32 {
	return b.hdr.Result
}

// NumParms returns the number of parameters in a loaded packet.
func (b *Buffer) NumParms() int {
	return int(b.hdr.NumParms)
}

// Bytes returns the packet as it would be sent. Only meaningful after
// Finalize or a load.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.hdr.PacketSize]
}

// grow ensures room for n more bytes. Capacity only ever increases.
func (b *Buffer) grow(n int) error {
	need := len(b.data) + len(b.tags) + n
	if need > MaxBufferSize {
		return fmt.Errorf("%w: need %d bytes", ErrTooLarge, need)
	}
	if need <= cap(b.data) {
		return nil
	}
	newCap := max(cap(b.data)*2, need)
	newCap = min(newCap, MaxBufferSize)
	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
	return nil
}

// ReadFrom reads exactly one packet from r. ErrFraming, ErrTooLarge and I/O
// errors leave the stream at an unknown position. ErrMalformed is returned
// only after the whole packet has been consumed, so the caller may answer
// it and keep the connection.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	b.Reset()
	n, err := io.ReadFull(r, b.data[:HeaderSize])
	if err != nil {
		return int64(n), err
	}
	hdr, _ := ParseHeader(b.data)
	if hdr.PacketSize < HeaderSize {
		return int64(n), fmt.Errorf("%w: packet_size %d", ErrFraming, hdr.PacketSize)
	}
	if hdr.PacketSize > MaxBufferSize {
		return int64(n), fmt.Errorf("%w: packet_size %d", ErrTooLarge, hdr.PacketSize)
	}
	if err := b.grow(int(hdr.PacketSize) - HeaderSize); err != nil {
		return int64(n), err
	}
	b.data = b.data[:hdr.PacketSize]
	m, err := io.ReadFull(r, b.data[HeaderSize:])
	total := int64(n + m)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return total, err
	}
	return total, b.load(hdr)
}

// LoadPacket copies a complete packet into the buffer for reading.
func (b *Buffer) LoadPacket(p []byte) error {
	hdr, err := ParseHeader(p)
	if err != nil {
		return err
	}
	if uint64(hdr.PacketSize) != uint64(len(p)) {
		return fmt.Errorf("%w: packet_size %d but %d bytes supplied", ErrMalformed, hdr.PacketSize, len(p))
	}
	if len(p) > MaxBufferSize {
		return fmt.Errorf("%w: packet_size %d", ErrTooLarge, len(p))
	}
	b.Reset()
	if err := b.grow(len(p) - HeaderSize); err != nil {
		return err
	}
	b.data = append(b.data[:0], p...)
	return b.load(hdr)
}

func (b *Buffer) load(hdr Header) error {
	b.writing = false
	b.hdr = hdr
	b.nextIndex = 0
	b.nextOffset = hdr.ParmOffset
	if err := hdr.Validate(); err != nil {
		// Keep the ordinal available for logging but expose no parameters.
		b.hdr.NumParms = 0
		return err
	}
	return nil
}

// ReadField decodes parameter index, which must carry tag, into out. When
// out is nil the parameter is only validated. Parameters may be read in any
// order; reading forward from the last position is the cheap path.
func (b *Buffer) ReadField(index int, tag Tag, out any) error {
	if b.writing {
		return fmt.Errorf("%w: buffer holds no request", ErrIndex)
	}
	if index < 0 || uint64(index) >= uint64(b.hdr.NumParms) {
		return fmt.Errorf("%w: index %d of %d", ErrIndex, index, b.hdr.NumParms)
	}
	idx := uint32(index)
	if idx < b.nextIndex {
		b.nextIndex = 0
		b.nextOffset = b.hdr.ParmOffset
	}
	for b.nextIndex < idx {
		if err := b.advance(b.tagAt(b.nextIndex), nil); err != nil {
			return fmt.Errorf("skipping parameter %d: %w", b.nextIndex, err)
		}
	}
	declared := b.tagAt(idx)
	if declared != tag {
		return fmt.Errorf("%w: parameter %d is %s, want %s", ErrTypeMismatch, index, declared, tag)
	}
	return b.advance(tag, out)
}

// HasField reports whether the loaded packet carries parameter index with
// the given tag. Used for trailing optional parameters.
func (b *Buffer) HasField(index int, tag Tag) bool {
	if b.writing || index < 0 || uint64(index) >= uint64(b.hdr.NumParms) {
		return false
	}
	return b.tagAt(uint32(index)) == tag
}

func (b *Buffer) tagAt(i uint32) Tag {
	return Tag(b.data[b.hdr.TypeOffset+i])
}

func (b *Buffer) advance(tag Tag, out any) error {
	r := &reader{b: b.data[:b.hdr.PacketSize], off: int(b.nextOffset)}
	if err := decodeField(tag, r, out); err != nil {
		return err
	}
	b.nextOffset = uint32(r.off)
	b.nextIndex++
	return nil
}

// WriteField appends v as the next response parameter. The first call after
// a load discards the request.
func (b *Buffer) WriteField(tag Tag, v any) error {
	if !b.writing {
		b.Reset()
	}
	w := &writer{b: make([]byte, 0, 64)}
	if err := encodeField(tag, w, v); err != nil {
		return err
	}
	if err := b.grow(len(w.b) + 1); err != nil {
		return err
	}
	b.data = append(b.data, w.b...)
	b.tags = append(b.tags, byte(tag))
	return nil
}

// Finalize writes the header for the parameters written so far using result
// as the result (or ordinal) field. A buffer still holding a request is
// finalized as a zero parameter packet.
func (b *Buffer) Finalize(result uint32) {
	if !b.writing {
		b.Reset()
	}
	nTags := len(b.tags)
	payload := len(b.data) - HeaderSize
	// grow already reserved room for the tags.
	b.data = b.data[:len(b.data)+nTags]
	copy(b.data[HeaderSize+nTags:], b.data[HeaderSize:HeaderSize+payload])
	copy(b.data[HeaderSize:], b.tags)

	b.hdr = Header{
		PacketSize: uint32(len(b.data)),
		Result:     result,
		NumParms:   uint32(nTags),
		TypeSize:   uint32(nTags),
		TypeOffset: HeaderSize,
		ParmSize:   uint32(payload),
		ParmOffset: uint32(HeaderSize + nTags),
	}
	b.hdr.put(b.data)

	// The finalized packet is readable, which lets a client decode the
	// response it built and the server log what it sent.
	b.writing = false
	b.tags = b.tags[:0]
	b.nextIndex = 0
	b.nextOffset = b.hdr.ParmOffset
}

// Fail replaces any partial response with a zero parameter packet carrying
// code.
func (b *Buffer) Fail(code uint32) {
	b.Reset()
	b.Finalize(code)
}

// WriteTo writes the finalized packet to w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.Bytes())
	return int64(n), err
}
