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

package tcs

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/jeremyhahn/go-tcsd/internal/device"
	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// MaxRandomBytes bounds a single GetRandom request.
const MaxRandomBytes = 4096

// TCSGetCapability areas and sub-capabilities.
const (
	TCSCapVersion      uint32 = 0x00000002
	TCSCapCaching      uint32 = 0x00000003
	TCSCapPersStorage  uint32 = 0x00000004
	TCSCapManufacturer uint32 = 0x00000005
	// TCSCapServiceLimits reports the daemon's configured limits.
	TCSCapServiceLimits uint32 = 0x80000001

	TCSCapPropKeyCache        uint32 = 0x00000100
	TCSCapPropAuthCache       uint32 = 0x00000101
	TCSCapPropManufacturerStr uint32 = 0x00000102
	TCSCapPropManufacturerID  uint32 = 0x00000103

	TCSCapPropMaxThreads uint32 = 0x00000001
	TCSCapPropKeySlots   uint32 = 0x00000002
	TCSCapPropMaxAuths   uint32 = 0x00000003
)

// ServiceVersion is the TCS interface version reported to clients.
var ServiceVersion = wire.Version{Major: 1, Minor: 2, RevMajor: 0, RevMinor: 3}

const (
	manufacturerName = "go-tcsd"
	manufacturerID   = 0x474f5443 // "GOTC"
)

var (
	ErrBadCapability = tss.NewError(tss.TCS(tss.EBadParameter), "tcs: unsupported capability")
	ErrRandomSize    = tss.NewError(tss.TCS(tss.EBadParameter), "tcs: random byte count out of range")
)

func (s *Service) getRandom(ctx context.Context, c *dispatch.Conn) error {
	var n uint32
	p := paramsOf(c).read(wire.TagUint32, &n)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if n > MaxRandomBytes {
		return fmt.Errorf("%w: %d", ErrRandomSize, n)
	}
	out := make([]byte, 0, n)
	// The device may return fewer bytes than asked for.
	for uint32(len(out)) < n {
		chunk, err := s.dev.GetRandom(ctx, n-uint32(len(out)))
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return device.ErrShortResponse
		}
		out = append(out, chunk...)
	}
	return write(c.Buf, wire.TagPByte, out[:n])
}

func (s *Service) stirRandom(ctx context.Context, c *dispatch.Conn) error {
	var data []byte
	p := paramsOf(c).read(wire.TagPByte, &data)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.dev.StirRandom(ctx, data)
}

// getCapability passes the query through to the device.
func (s *Service) getCapability(ctx context.Context, c *dispatch.Conn) error {
	var (
		area uint32
		sub  []byte
	)
	p := paramsOf(c).read(wire.TagUint32, &area).read(wire.TagPByte, &sub)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()

	resp, err := s.dev.GetCapability(ctx, area, sub)
	if err != nil {
		return err
	}
	return write(c.Buf, wire.TagPByte, resp)
}

// tcsGetCapability answers from the service itself without touching the
// device.
func (s *Service) tcsGetCapability(_ context.Context, c *dispatch.Conn) error {
	var (
		area uint32
		sub  []byte
	)
	p := paramsOf(c).read(wire.TagUint32, &area).read(wire.TagPByte, &sub)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()

	resp, err := s.serviceCapability(area, sub)
	if err != nil {
		return err
	}
	return write(c.Buf, wire.TagPByte, resp)
}

func (s *Service) serviceCapability(area uint32, sub []byte) ([]byte, error) {
	u32 := func(v int) []byte { return binary.BigEndian.AppendUint32(nil, uint32(v)) }

	switch area {
	case TCSCapVersion:
		v := ServiceVersion
		return []byte{v.Major, v.Minor, v.RevMajor, v.RevMinor}, nil
	case TCSCapPersStorage:
		return []byte{1}, nil
	}

	if len(sub) != 4 {
		return nil, fmt.Errorf("%w: area 0x%08x needs a 4 byte sub-capability", ErrBadCapability, area)
	}
	prop := binary.BigEndian.Uint32(sub)
	switch area {
	case TCSCapCaching:
		if prop == TCSCapPropKeyCache || prop == TCSCapPropAuthCache {
			return []byte{1}, nil
		}
	case TCSCapManufacturer:
		switch prop {
		case TCSCapPropManufacturerStr:
			return []byte(manufacturerName), nil
		case TCSCapPropManufacturerID:
			return u32(manufacturerID), nil
		}
	case TCSCapServiceLimits:
		switch prop {
		case TCSCapPropMaxThreads:
			return u32(s.maxThreads), nil
		case TCSCapPropKeySlots:
			return u32(s.keySlots), nil
		case TCSCapPropMaxAuths:
			return u32(s.maxAuths), nil
		}
	}
	return nil, fmt.Errorf("%w: area 0x%08x sub 0x%08x", ErrBadCapability, area, prop)
}
