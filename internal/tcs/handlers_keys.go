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

	"github.com/jeremyhahn/go-tcsd/internal/device"
	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
	"github.com/jeremyhahn/go-tcsd/internal/keycache"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// Resource types for FlushSpecific.
const (
	ResourceKey  uint32 = 0x00000001
	ResourceAuth uint32 = 0x00000002
)

// KeyControlOwnerEvict is the only KeyControlOwner attribute.
const KeyControlOwnerEvict uint32 = 0x00000001

var (
	ErrBadResourceType = tss.NewError(tss.TCS(tss.EBadParameter), "tcs: unsupported resource type")
	ErrBadAttribute    = tss.NewError(tss.TCS(tss.EBadParameter), "tcs: unsupported key control attribute")
)

// ownedKey checks that owner holds h.
func (s *Service) ownedKey(owner uint32, h uint32) (*keycache.Entry, error) {
	e, ok := s.keys.Lookup(keycache.Handle(h))
	if !ok {
		return nil, fmt.Errorf("%w: 0x%08x", keycache.ErrUnknownKey, h)
	}
	if e.Handle != keycache.SRK && !e.OwnedBy(owner) {
		return nil, fmt.Errorf("%w: 0x%08x", keycache.ErrNotOwner, h)
	}
	return e, nil
}

// loadAuthorized makes kh resident using in, if not nil, to authorize the
// load of kh itself. The key is left resident but unreferenced.
func (s *Service) loadAuthorized(ctx context.Context, owner uint32, kh keycache.Handle, in *wire.Auth) (device.Handle, error) {
	sess, err := s.beginAuth(owner, in)
	if err != nil {
		return 0, err
	}
	slot, reached, err := s.keys.LoadAuthorized(ctx, kh, in)
	s.endAuth(sess, in, reached, err)
	if err != nil {
		return 0, err
	}
	s.keys.Release(kh)
	return slot, nil
}

func (s *Service) loadKeyByBlob(ctx context.Context, c *dispatch.Conn) error {
	var (
		parent uint32
		blob   []byte
		in     wire.Auth
	)
	p := paramsOf(c).read(wire.TagUint32, &parent).read(wire.TagPByte, &blob)
	hasAuth := p.optional(wire.TagAuth, &in)
	h, err := s.lockContext(c, p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, err := s.ownedKey(h, parent); err != nil {
		return err
	}
	before := s.keys.Len()
	kh, err := s.keys.Add(h, keycache.Handle(parent), blob, wire.NullUUID)
	if err != nil {
		return err
	}
	var auth *wire.Auth
	if hasAuth {
		auth = &in
	}
	slot, err := s.loadAuthorized(ctx, h, kh, auth)
	if err != nil {
		if s.keys.Len() > before {
			if rerr := s.keys.Remove(ctx, h, kh); rerr != nil {
				s.logger.Debug("Failed to drop unloadable key", "handle", fmt.Sprintf("0x%08x", uint32(kh)), "error", rerr)
			}
		}
		return err
	}
	if err := write(c.Buf, wire.TagUint32, uint32(kh), wire.TagUint32, uint32(slot)); err != nil {
		return err
	}
	if hasAuth {
		return write(c.Buf, wire.TagAuth, in)
	}
	return nil
}

func (s *Service) loadKeyByUUID(ctx context.Context, c *dispatch.Conn) error {
	var (
		id   wire.UUID
		info wire.LoadKeyInfo
	)
	p := paramsOf(c).read(wire.TagUUID, &id)
	hasInfo := p.optional(wire.TagLoadKeyInfo, &info)
	h, err := s.lockContext(c, p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if id == wire.SRKUUID {
		return write(c.Buf, wire.TagUint32, uint32(keycache.SRK), wire.TagUint32, uint32(device.SRKHandle))
	}
	path, err := s.reg.Path(id.Google())
	if err != nil {
		return err
	}
	kh := keycache.SRK
	for i := len(path) - 1; i >= 0; i-- {
		rec := path[i]
		if kh, err = s.keys.Add(h, kh, rec.Blob, wire.UUIDFrom(rec.UUID)); err != nil {
			return err
		}
	}
	var auth *wire.Auth
	if hasInfo && info.Auth.AuthHandle != 0 {
		auth = &info.Auth
	}
	slot, err := s.loadAuthorized(ctx, h, kh, auth)
	if err != nil {
		return err
	}
	return write(c.Buf, wire.TagUint32, uint32(kh), wire.TagUint32, uint32(slot))
}

func (s *Service) evictKey(ctx context.Context, c *dispatch.Conn) error {
	var handle uint32
	p := paramsOf(c).read(wire.TagUint32, &handle)
	h, err := s.lockContext(c, p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.keys.Remove(ctx, h, keycache.Handle(handle))
}

func (s *Service) getPubKey(ctx context.Context, c *dispatch.Conn) error {
	var (
		handle uint32
		in     wire.Auth
	)
	p := paramsOf(c).read(wire.TagUint32, &handle)
	hasAuth := p.optional(wire.TagAuth, &in)
	h, err := s.lockContext(c, p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	slot, release, err := s.keySlot(ctx, h, handle)
	if err != nil {
		return err
	}
	defer release()

	var auth *wire.Auth
	if hasAuth {
		auth = &in
	}
	sess, err := s.beginAuth(h, auth)
	if err != nil {
		return err
	}
	pub, err := s.dev.GetPubKey(ctx, slot, auth)
	s.endAuth(sess, auth, true, err)
	if err != nil {
		return err
	}
	if err := write(c.Buf, wire.TagPByte, pub); err != nil {
		return err
	}
	if hasAuth {
		return write(c.Buf, wire.TagAuth, in)
	}
	return nil
}

// flushSpecific accepts either a key handle issued by this service or a raw
// device slot for key resources.
func (s *Service) flushSpecific(ctx context.Context, c *dispatch.Conn) error {
	var handle, resType uint32
	p := paramsOf(c).read(wire.TagUint32, &handle).read(wire.TagUint32, &resType)
	h, err := s.lockContext(c, p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	switch resType {
	case ResourceKey:
		if _, known := s.keys.Lookup(keycache.Handle(handle)); known {
			if _, err := s.ownedKey(h, handle); err != nil {
				return err
			}
			return s.keys.EvictByHandle(ctx, keycache.Handle(handle))
		}
		return s.keys.EvictBySlot(ctx, device.Handle(handle))
	case ResourceAuth:
		return s.auths.Terminate(ctx, handle, h)
	}
	return fmt.Errorf("%w: 0x%08x", ErrBadResourceType, resType)
}

// keyControlOwner pins a key in the cache. The pin lasts until it is
// cleared or every context holding the key lets go of it.
func (s *Service) keyControlOwner(_ context.Context, c *dispatch.Conn) error {
	var (
		handle, attrib uint32
		value          bool
	)
	p := paramsOf(c).
		read(wire.TagUint32, &handle).
		read(wire.TagUint32, &attrib).
		read(wire.TagBool, &value)
	h, err := s.lockContext(c, p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if attrib != KeyControlOwnerEvict {
		return fmt.Errorf("%w: 0x%08x", ErrBadAttribute, attrib)
	}
	if _, err := s.ownedKey(h, handle); err != nil {
		return err
	}
	return s.keys.SetPinned(keycache.Handle(handle), value)
}
