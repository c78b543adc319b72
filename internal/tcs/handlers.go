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
	"fmt"

	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// Handlers returns the command handlers the service implements.
func (s *Service) Handlers() map[dispatch.Ordinal]dispatch.Handler {
	return map[dispatch.Ordinal]dispatch.Handler{
		dispatch.OrdOpenContext:      s.openContext,
		dispatch.OrdCloseContext:     s.closeContext,
		dispatch.OrdFreeMemory:       s.freeMemory,
		dispatch.OrdTCSGetCapability: s.tcsGetCapability,

		dispatch.OrdOIAP:            s.oiap,
		dispatch.OrdOSAP:            s.osap,
		dispatch.OrdDSAP:            s.dsap,
		dispatch.OrdTerminateHandle: s.terminateHandle,

		dispatch.OrdLoadKeyByBlob:   s.loadKeyByBlob,
		dispatch.OrdLoadKeyByUUID:   s.loadKeyByUUID,
		dispatch.OrdEvictKey:        s.evictKey,
		dispatch.OrdGetPubKey:       s.getPubKey,
		dispatch.OrdFlushSpecific:   s.flushSpecific,
		dispatch.OrdKeyControlOwner: s.keyControlOwner,

		dispatch.OrdRegisterKey:                  s.registerKey,
		dispatch.OrdUnregisterKey:                s.unregisterKey,
		dispatch.OrdEnumRegisteredKeys:           s.enumRegisteredKeys,
		dispatch.OrdGetRegisteredKey:             s.getRegisteredKey,
		dispatch.OrdGetRegisteredKeyBlob:         s.getRegisteredKeyBlob,
		dispatch.OrdGetRegisteredKeyByPublicInfo: s.getRegisteredKeyByPublicInfo,

		dispatch.OrdGetRandom:     s.getRandom,
		dispatch.OrdStirRandom:    s.stirRandom,
		dispatch.OrdGetCapability: s.getCapability,
	}
}

// lockContext reads the context handle in parameter 0, takes the device
// lock and checks the handle belongs to c. It also surfaces any error from
// the reads already made through p. On success the caller must unlock.
func (s *Service) lockContext(c *dispatch.Conn, p *params) (uint32, error) {
	var h uint32
	if err := c.Buf.ReadField(0, wire.TagUint32, &h); err != nil {
		return 0, fmt.Errorf("parameter 0: %w", err)
	}
	if err := p.done(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if err := s.verifyLocked(h, c.Context, c.HasContext); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	return h, nil
}

func (s *Service) openContext(_ context.Context, c *dispatch.Conn) error {
	if c.HasContext {
		return ErrContextOpen
	}
	h, err := s.OpenContext(c.Peer)
	if err != nil {
		return err
	}
	c.Context, c.HasContext = h, true
	return write(c.Buf, wire.TagUint32, h, wire.TagVersion, s.dev.Version())
}

func (s *Service) closeContext(ctx context.Context, c *dispatch.Conn) error {
	p := paramsOf(c)
	h, err := s.lockContext(c, p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if err := s.closeContextLocked(ctx, h); err != nil {
		return err
	}
	c.Context, c.HasContext = 0, false
	return nil
}

// freeMemory has nothing to free; responses are owned by the client.
func (s *Service) freeMemory(_ context.Context, c *dispatch.Conn) error {
	p := paramsOf(c)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}
