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

// Package auth tracks the TPM authorization sessions opened on behalf of
// clients. The device has only a few session slots; when it runs out the
// manager evicts the least recently used idle session and remembers that
// it did so, so that the owning client gets a clear error on its next use
// instead of an unknown-handle failure from the chip.
//
// A Manager is not safe for concurrent use. The command service calls it
// only while holding its device lock.
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jeremyhahn/go-tcsd/internal/device"
	"github.com/jeremyhahn/go-tcsd/pkg/metrics"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

var (
	ErrCapacity      = tss.NewError(tss.TPMResources, "auth: session limit reached")
	ErrUnknownHandle = tss.NewError(tss.TCS(tss.TCSEInvalidAuthHandle), "auth: unknown session handle")
	ErrNotOwner      = tss.NewError(tss.TCS(tss.TCSEInvalidAuthHandle), "auth: session belongs to another context")
	ErrSessionLost   = tss.NewError(tss.TCS(tss.TCSEInvalidAuthSession), "auth: session was evicted to free a device slot")
	ErrNoEvictable   = tss.NewError(tss.TPMResources, "auth: every session is in use")
)

// Protocol is the authorization protocol of a session.
type Protocol uint8

const (
	OIAP Protocol = iota + 1
	OSAP
	DSAP
)

func (p Protocol) String() string {
	switch p {
	case OIAP:
		return "OIAP"
	case OSAP:
		return "OSAP"
	case DSAP:
		return "DSAP"
	}
	return fmt.Sprintf("Protocol(%d)", uint8(p))
}

// Session is one live authorization session.
type Session struct {
	Handle          device.Handle
	Protocol        Protocol
	Owner           uint32
	EntityType      uint16
	EntityValue     uint32
	NonceEven       wire.Nonce
	NonceEvenShared wire.Nonce

	lastUsed uint64
	pins     int
}

// Pinned reports whether the session is part of an in-flight command.
func (s *Session) Pinned() bool {
	return s.pins > 0
}

// Manager is the session table.
type Manager struct {
	dev      device.Device
	maxAuths int
	sessions map[device.Handle]*Session
	// evicted session handle -> owning context
	lost   map[device.Handle]uint32
	clock  uint64
	logger *slog.Logger
}

// New returns a manager that allows at most maxAuths concurrent sessions
// across all clients.
func New(dev device.Device, maxAuths int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dev:      dev,
		maxAuths: maxAuths,
		sessions: make(map[device.Handle]*Session),
		lost:     make(map[device.Handle]uint32),
		logger:   logger.With("component", "auth"),
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return len(m.sessions)
}

// Get returns the session for h.
func (m *Manager) Get(h device.Handle) (*Session, bool) {
	s, ok := m.sessions[h]
	return s, ok
}

func (m *Manager) touch(s *Session) {
	m.clock++
	s.lastUsed = m.clock
}

// OpenOIAP opens a plain authorization session for owner.
func (m *Manager) OpenOIAP(ctx context.Context, owner uint32) (*Session, error) {
	return m.open(ctx, owner, OIAP, 0, 0, func() (device.Session, error) {
		return m.dev.OIAP(ctx)
	})
}

// OpenOSAP opens an entity-bound session for owner.
func (m *Manager) OpenOSAP(ctx context.Context, owner uint32, entityType uint16, entityValue uint32, nonceOddOSAP wire.Nonce) (*Session, error) {
	return m.open(ctx, owner, OSAP, entityType, entityValue, func() (device.Session, error) {
		return m.dev.OSAP(ctx, entityType, entityValue, nonceOddOSAP)
	})
}

// OpenDSAP opens a delegation session for owner.
func (m *Manager) OpenDSAP(ctx context.Context, owner uint32, entityType uint16, key device.Handle, nonceOddDSAP wire.Nonce, entityValue []byte) (*Session, error) {
	return m.open(ctx, owner, DSAP, entityType, uint32(key), func() (device.Session, error) {
		return m.dev.DSAP(ctx, entityType, key, nonceOddDSAP, entityValue)
	})
}

func (m *Manager) open(ctx context.Context, owner uint32, proto Protocol, entityType uint16, entityValue uint32, start func() (device.Session, error)) (*Session, error) {
	if len(m.sessions) >= m.maxAuths {
		return nil, fmt.Errorf("%w: %d sessions", ErrCapacity, m.maxAuths)
	}

	ds, err := start()
	if device.IsResources(err) {
		if everr := m.evictLRU(ctx); everr != nil {
			m.logger.Warn("Device session slots exhausted", "protocol", proto, "error", everr)
			return nil, err
		}
		ds, err = start()
	}
	if err != nil {
		return nil, err
	}

	if stale, ok := m.sessions[ds.Handle]; ok {
		// The chip reused a handle we still track; the old session is gone.
		m.logger.Warn("Device reused a tracked session handle",
			"handle", fmt.Sprintf("0x%08x", uint32(ds.Handle)), "previous_owner", stale.Owner)
		delete(m.sessions, ds.Handle)
	}
	delete(m.lost, ds.Handle)

	s := &Session{
		Handle:          ds.Handle,
		Protocol:        proto,
		Owner:           owner,
		EntityType:      entityType,
		EntityValue:     entityValue,
		NonceEven:       ds.NonceEven,
		NonceEvenShared: ds.NonceEvenShared,
	}
	m.touch(s)
	m.sessions[s.Handle] = s
	metrics.SetAuthSessions(len(m.sessions))
	return s, nil
}

// evictLRU terminates the least recently used session that no in-flight
// command depends on and marks its handle lost.
func (m *Manager) evictLRU(ctx context.Context) error {
	var victim *Session
	for _, s := range m.sessions {
		if s.Pinned() {
			continue
		}
		if victim == nil || s.lastUsed < victim.lastUsed {
			victim = s
		}
	}
	if victim == nil {
		return ErrNoEvictable
	}
	if err := m.dev.TerminateHandle(ctx, victim.Handle); err != nil && !tss.Is(err, tss.TPMInvalidAuthHandle) {
		return fmt.Errorf("auth: evict session 0x%08x: %w", uint32(victim.Handle), err)
	}
	delete(m.sessions, victim.Handle)
	m.lost[victim.Handle] = victim.Owner
	metrics.RecordAuthEviction()
	metrics.SetAuthSessions(len(m.sessions))
	m.logger.Info("Evicted idle session",
		"handle", fmt.Sprintf("0x%08x", uint32(victim.Handle)),
		"protocol", victim.Protocol,
		"owner", victim.Owner)
	return nil
}

// Begin looks up the session a command is about to use and pins it so it
// cannot be evicted while the command runs. Every successful Begin must be
// paired with End.
func (m *Manager) Begin(handle uint32, owner uint32) (*Session, error) {
	h := device.Handle(handle)
	s, ok := m.sessions[h]
	if !ok {
		if lostOwner, wasLost := m.lost[h]; wasLost && lostOwner == owner {
			delete(m.lost, h)
			return nil, fmt.Errorf("%w: 0x%08x", ErrSessionLost, handle)
		}
		return nil, fmt.Errorf("%w: 0x%08x", ErrUnknownHandle, handle)
	}
	if s.Owner != owner {
		return nil, fmt.Errorf("%w: 0x%08x", ErrNotOwner, handle)
	}
	s.pins++
	m.touch(s)
	return s, nil
}

// End unpins s and applies the outcome of the device command. auth is the
// authorization as returned by the device, or nil if the command never
// reached the device. The device closes a session after a failed
// authorized command or when the client clears the continue flag.
func (m *Manager) End(s *Session, auth *wire.Auth, err error) {
	if s.pins > 0 {
		s.pins--
	}
	if auth == nil {
		return
	}
	if err != nil {
		if tss.Code(err).Layer() == tss.LayerTPM {
			m.remove(s)
		}
		return
	}
	s.NonceEven = auth.NonceEven
	if !auth.ContinueSession {
		m.remove(s)
	}
}

func (m *Manager) remove(s *Session) {
	if cur, ok := m.sessions[s.Handle]; ok && cur == s {
		delete(m.sessions, s.Handle)
		metrics.SetAuthSessions(len(m.sessions))
	}
}

// Terminate closes a session at the client's request.
func (m *Manager) Terminate(ctx context.Context, handle uint32, owner uint32) error {
	h := device.Handle(handle)
	if lostOwner, wasLost := m.lost[h]; wasLost && lostOwner == owner {
		// Already gone from the device.
		delete(m.lost, h)
		return nil
	}
	s, ok := m.sessions[h]
	if !ok {
		return fmt.Errorf("%w: 0x%08x", ErrUnknownHandle, handle)
	}
	if s.Owner != owner {
		return fmt.Errorf("%w: 0x%08x", ErrNotOwner, handle)
	}
	err := m.dev.TerminateHandle(ctx, h)
	m.remove(s)
	if err != nil && !tss.Is(err, tss.TPMInvalidAuthHandle) {
		return err
	}
	return nil
}

// ReleaseContext terminates every session owned by owner and forgets its
// lost handles. Errors are logged; the sessions are dropped regardless.
func (m *Manager) ReleaseContext(ctx context.Context, owner uint32) {
	for h, s := range m.sessions {
		if s.Owner != owner {
			continue
		}
		if err := m.dev.TerminateHandle(ctx, h); err != nil && !tss.Is(err, tss.TPMInvalidAuthHandle) {
			m.logger.Warn("Failed to terminate session on context close",
				"handle", fmt.Sprintf("0x%08x", uint32(h)), "owner", owner, "error", err)
		}
		delete(m.sessions, h)
	}
	for h, o := range m.lost {
		if o == owner {
			delete(m.lost, h)
		}
	}
	metrics.SetAuthSessions(len(m.sessions))
}
