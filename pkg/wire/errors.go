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

import "github.com/jeremyhahn/go-tcsd/pkg/tss"

var (
	// ErrFraming is returned when a packet header cannot delimit the packet,
	// leaving the stream position unknown. The connection must be dropped.
	ErrFraming = tss.NewError(tss.TCS(tss.ECommFailure), "wire: packet size smaller than header")

	// ErrTooLarge is returned when a packet or response would exceed
	// MaxBufferSize.
	ErrTooLarge = tss.NewError(tss.TCS(tss.EOutOfMemory), "wire: packet exceeds maximum buffer size")

	// ErrMalformed is returned for a fully received packet whose header
	// fields are inconsistent. The stream stays in sync.
	ErrMalformed = tss.NewError(tss.TCS(tss.EBadParameter), "wire: malformed packet header")

	// ErrIndex is returned when a parameter index is outside the packet.
	ErrIndex = tss.NewError(tss.TCS(tss.EBadParameter), "wire: parameter index out of range")

	// ErrTypeMismatch is returned when the declared tag of a parameter does
	// not match the requested tag.
	ErrTypeMismatch = tss.NewError(tss.TCS(tss.EBadParameter), "wire: parameter type mismatch")

	// ErrShortField is returned when a parameter runs past the end of the
	// packet.
	ErrShortField = tss.NewError(tss.TCS(tss.EBadParameter), "wire: parameter exceeds packet bounds")

	// ErrUnsupportedValue is returned when a Go value cannot be encoded or
	// decoded under the given tag.
	ErrUnsupportedValue = tss.NewError(tss.TCS(tss.EInternalError), "wire: unsupported value for tag")

	// ErrBadKeyBlob is returned when a key blob cannot be parsed.
	ErrBadKeyBlob = tss.NewError(tss.TCS(tss.TCSEInvalidKey), "wire: malformed key blob")
)
