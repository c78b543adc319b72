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

// Package device abstracts the TPM 1.2 chip behind the command service.
// Callers serialize access; implementations are not required to be safe for
// concurrent use.
package device

import (
	"context"

	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// Handle is a device-side key slot or authorization session handle.
type Handle uint32

// SRKHandle is the permanent handle of the storage root key. It does not
// occupy a key slot and can never be evicted.
const SRKHandle Handle = 0x40000000

// Entity types for OSAP and DSAP.
const (
	EntityKeyHandle uint16 = 0x0001
	EntityOwner     uint16 = 0x0002
	EntitySRK       uint16 = 0x0004
	EntityDelRow    uint16 = 0x0008
	EntityDelBlob   uint16 = 0x0009
)

// Capability areas and properties understood by GetCapability.
const (
	CapProperty        uint32 = 0x00000005
	CapVersion         uint32 = 0x00000006
	CapPropSlots       uint32 = 0x00000104
	CapPropMaxAuthSess uint32 = 0x0000010D
	CapPropMaxKeys     uint32 = 0x00000110
)

// Session is the result of opening an authorization session.
type Session struct {
	Handle    Handle
	NonceEven wire.Nonce
	// NonceEvenShared is the OSAP/DSAP shared-secret nonce. Zero for OIAP.
	NonceEvenShared wire.Nonce
}

// Device is the set of TPM operations the service issues. Every call may
// block on hardware. Calls that take an *wire.Auth pass the client's
// authorization through unchanged; on success the auth is updated in place
// with the device's response nonce, continue flag and HMAC.
type Device interface {
	OIAP(ctx context.Context) (Session, error)
	OSAP(ctx context.Context, entityType uint16, entityValue uint32, nonceOddOSAP wire.Nonce) (Session, error)
	DSAP(ctx context.Context, entityType uint16, key Handle, nonceOddDSAP wire.Nonce, entityValue []byte) (Session, error)
	TerminateHandle(ctx context.Context, h Handle) error

	LoadKey2(ctx context.Context, parent Handle, blob []byte, auth *wire.Auth) (Handle, error)
	EvictKey(ctx context.Context, h Handle) error
	GetPubKey(ctx context.Context, h Handle, auth *wire.Auth) ([]byte, error)

	GetRandom(ctx context.Context, n uint32) ([]byte, error)
	StirRandom(ctx context.Context, data []byte) error
	GetCapability(ctx context.Context, area uint32, sub []byte) ([]byte, error)

	Version() wire.Version
	Close() error
}

var (
	// ErrClosed is returned by a device after Close.
	ErrClosed = tss.NewError(tss.TCS(tss.ECommFailure), "device: closed")

	// ErrShortResponse is returned when a device response is truncated.
	ErrShortResponse = tss.NewError(tss.TCS(tss.ETPMUnexpected), "device: short response")
)

// IsNoSpace reports whether err means the device has no free key slot.
func IsNoSpace(err error) bool {
	return tss.Is(err, tss.TPMNoSpace)
}

// IsResources reports whether err means the device has no free session slot.
func IsResources(err error) bool {
	return tss.Is(err, tss.TPMResources)
}
