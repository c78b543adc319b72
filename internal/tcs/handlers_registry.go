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
	"errors"

	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
	"github.com/jeremyhahn/go-tcsd/internal/registry"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// keyInfo renders a registered key, marking it loaded when the cache holds
// it in a device slot.
func (s *Service) keyInfo(rec *registry.Record) wire.KMKeyInfo {
	e, ok := s.keys.FindByUUID(wire.UUIDFrom(rec.UUID))
	return rec.KeyInfo(s.dev.Version(), ok && e.Loaded())
}

func (s *Service) registerKey(_ context.Context, c *dispatch.Conn) error {
	var (
		parent, id   wire.UUID
		blob, vendor []byte
	)
	p := paramsOf(c).
		read(wire.TagUUID, &parent).
		read(wire.TagUUID, &id).
		read(wire.TagPByte, &blob)
	p.optional(wire.TagPByte, &vendor)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.reg.Register(id.Google(), parent.Google(), blob, vendor)
}

func (s *Service) unregisterKey(_ context.Context, c *dispatch.Conn) error {
	var id wire.UUID
	p := paramsOf(c).read(wire.TagUUID, &id)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.reg.Unregister(id.Google())
}

// enumRegisteredKeys lists every registered key, or with a UUID argument
// the key and its ancestors up to the SRK.
func (s *Service) enumRegisteredKeys(_ context.Context, c *dispatch.Conn) error {
	var id wire.UUID
	p := paramsOf(c)
	hasID := p.optional(wire.TagUUID, &id)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()

	var (
		records []*registry.Record
		err     error
	)
	if hasID && id != wire.NullUUID {
		records, err = s.reg.Path(id.Google())
	} else {
		records, err = s.reg.List()
	}
	if err != nil {
		return err
	}
	if err := write(c.Buf, wire.TagUint32, uint32(len(records))); err != nil {
		return err
	}
	for _, rec := range records {
		if err := write(c.Buf, wire.TagKMKeyInfo, s.keyInfo(rec)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) getRegisteredKey(_ context.Context, c *dispatch.Conn) error {
	var id wire.UUID
	p := paramsOf(c).read(wire.TagUUID, &id)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()

	rec, err := s.reg.Get(id.Google())
	if err != nil {
		return err
	}
	return write(c.Buf, wire.TagKMKeyInfo, s.keyInfo(rec))
}

func (s *Service) getRegisteredKeyBlob(_ context.Context, c *dispatch.Conn) error {
	var id wire.UUID
	p := paramsOf(c).read(wire.TagUUID, &id)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()

	rec, err := s.reg.Get(id.Google())
	if err != nil {
		return err
	}
	return write(c.Buf, wire.TagPByte, rec.Blob)
}

// getRegisteredKeyByPublicInfo finds a key blob by its public modulus,
// looking first in the registry and then among keys loaded by blob.
func (s *Service) getRegisteredKeyByPublicInfo(_ context.Context, c *dispatch.Conn) error {
	var (
		algID uint32
		pub   []byte
	)
	p := paramsOf(c).read(wire.TagUint32, &algID).read(wire.TagPByte, &pub)
	if _, err := s.lockContext(c, p); err != nil {
		return err
	}
	defer s.mu.Unlock()

	rec, err := s.reg.FindByPublic(pub)
	if err == nil {
		return write(c.Buf, wire.TagPByte, rec.Blob)
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	if e, ok := s.keys.FindByPublic(pub); ok {
		return write(c.Buf, wire.TagPByte, e.Blob)
	}
	return err
}
