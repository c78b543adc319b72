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

// reader walks a byte slice. Every primitive accepts a nil destination, in
// which case the bytes are skipped rather than decoded; composite decoders
// are written once against this reader and double as size measurers. The
// first bounds failure sticks and turns every later call into a no-op.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrShortField, n, r.off, len(r.b)-r.off)
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) u8(dst *uint8) {
	if p := r.take(1); p != nil && dst != nil {
		*dst = p[0]
	}
}

func (r *reader) boolean(dst *bool) {
	if p := r.take(1); p != nil && dst != nil {
		*dst = p[0] != 0
	}
}

func (r *reader) u16(dst *uint16) {
	if p := r.take(2); p != nil && dst != nil {
		*dst = binary.BigEndian.Uint16(p)
	}
}

func (r *reader) u32(dst *uint32) {
	if p := r.take(4); p != nil && dst != nil {
		*dst = binary.BigEndian.Uint32(p)
	}
}

func (r *reader) u64(dst *uint64) {
	if p := r.take(8); p != nil && dst != nil {
		*dst = binary.BigEndian.Uint64(p)
	}
}

// fixed reads exactly n bytes into dst, or skips them when dst is nil.
func (r *reader) fixed(n int, dst []byte) {
	if p := r.take(n); p != nil && dst != nil {
		copy(dst, p)
	}
}

// blob reads a u32 length followed by that many bytes.
func (r *reader) blob(dst *[]byte) {
	var n uint32
	r.u32(&n)
	if r.err != nil {
		return
	}
	if uint64(n) > uint64(len(r.b)-r.off) {
		r.err = fmt.Errorf("%w: blob length %d exceeds remaining %d", ErrShortField, n, len(r.b)-r.off)
		return
	}
	p := r.take(int(n))
	if p != nil && dst != nil {
		*dst = append([]byte(nil), p...)
	}
}

// writer appends big-endian encodings to a slice.
type writer struct {
	b []byte
}

func (w *writer) u8(v uint8) { w.b = append(w.b, v) }

func (w *writer) boolean(v bool) {
	if v {
		w.b = append(w.b, 1)
		return
	}
	w.b = append(w.b, 0)
}

func (w *writer) u16(v uint16)   { w.b = binary.BigEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32)   { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64)   { w.b = binary.BigEndian.AppendUint64(w.b, v) }
func (w *writer) fixed(p []byte) { w.b = append(w.b, p...) }

func (w *writer) blob(p []byte) {
	w.u32(uint32(len(p)))
	w.b = append(w.b, p...)
}
