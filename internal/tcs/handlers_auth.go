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

	"github.com/jeremyhahn/go-tcsd/internal/auth"
	"github.com/jeremyhahn/go-tcsd/internal/device"
	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
	"github.com/jeremyhahn/go-tcsd/internal/keycache"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// keySlot resolves a client key handle to a resident device slot. The
// returned release func drops the reference taken.
func (s *Service) keySlot(ctx context.Context, owner uint32, h uint32) (device.Handle, func(), error) {
	kh := keycache.Handle(h)
	if kh == keycache.SRK {
		return device.SRKHandle, func() {}, nil
	}
	e, ok := s.keys.Lookup(kh)
	if !ok {
		return 0, nil, fmt.Errorf("%w: 0x%08x", keycache.ErrUnknownKey, h)
	}
	if !e.OwnedBy(owner) {
		return 0, nil, fmt.Errorf("%w: 0x%08x", keycache.ErrNotOwner, h)
	}
	slot, err := s.keys.EnsureLoaded(ctx, kh, nil)
	if err != nil {
		return 0, nil, err
	}
	return slot, func() { s.keys.Release(kh) }, nil
}

func isKeyEntity(entityType uint16) bool {
	return entityType&0x00ff == device.EntityKeyHandle
}

// beginAuth pins the session named by in, if any.
func (s *Service) beginAuth(owner uint32, in *wire.Auth) (*auth.Session, error) {
	if in == nil {
		return nil, nil
	}
	return s.auths.Begin(in.AuthHandle, owner)
}

// endAuth records the device's answer on the session. reached reports
// whether the authorization was presented to the device.
func (s *Service) endAuth(sess *auth.Session, in *wire.Auth, reached bool, err error) {
	if sess == nil {
		return
	}
	if !reached {
		in = nil
	}
	s.auths.End(sess, in, err)
}

func (s *Service) oiap(ctx context.Context, c *dispatch.Conn) error {
	p := paramsOf(c)
	h, err := s.lockContext(c, p)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	sess, err := s.auths.OpenOIAP(ctx, h)
	if err != nil {
		return err
	}
	return write(c.Buf,
		wire.TagUint32, uint32(sess.Handle),
		wire.TagNonce, sess.NonceEven)
}

func (s *Service) osap(ctx context.Context, c *dispatch.Conn) error {
	var (
		entityType  uint16
		entityValue uint32
		nonceOdd    wire.Nonce
	)
	p := paramsOf(c)
	h, err := s.lockContext(c, p.
		read(wire.TagUint16, &entityType).
		read(wire.TagUint32, &entityValue).
		read(wire.TagNonce, &nonceOdd))
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if isKeyEntity(entityType) {
		slot, release, err := s.keySlot(ctx, h, entityValue)
		if err != nil {
			return err
		}
		defer release()
		entityValue = uint32(slot)
	}
	sess, err := s.auths.OpenOSAP(ctx, h, entityType, entityValue, nonceOdd)
	if err != nil {
		return err
	}
	return write(c.Buf,
		wire.TagUint32, uint32(sess.Handle),
		wire.TagNonce, sess.NonceEven,
		wire.TagNonce, sess.NonceEvenShared)
}

func (s *Service) dsap(ctx context.Context, c *dispatch.Conn) error {
	var (
		entityType  uint16
		keyHandle   uint32
		nonceOdd    wire.Nonce
		entityValue []byte
	)
	p := paramsOf(c)
	h, err := s.lockContext(c, p.
		read(wire.TagUint16, &entityType).
		read(wire.TagUint32, &keyHandle).
		read(wire.TagNonce, &nonceOdd).
		read(wire.TagPByte, &entityValue))
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	slot := device.Handle(keyHandle)
	if keyHandle != 0 {
		var release func()
		slot, release, err = s.keySlot(ctx, h, keyHandle)
		if err != nil {
			return err
		}
		defer release()
	}
	sess, err := s.auths.OpenDSAP(ctx, h, entityType, slot, nonceOdd, entityValue)
	if err != nil {
		return err
	}
	return write(c.Buf,
		wire.TagUint32, uint32(sess.Handle),
		wire.TagNonce, sess.NonceEven,
		wire.TagNonce, sess.NonceEvenShared)
}

func (s *Service) terminateHandle(ctx context.Context, c *dispatch.Conn) error {
	var handle uint32
	p := paramsOf(c)
	h, err := s.lockContext(c, p.read(wire.TagUint32, &handle))
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.auths.Terminate(ctx, handle, h)
}
