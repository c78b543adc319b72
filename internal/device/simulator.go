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

package device

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

const (
	simKeyBase     = 0x01000000
	simSessionBase = 0x02000000
)

// SimulatorVersion is the version a Simulator reports.
var SimulatorVersion = wire.Version{Major: 1, Minor: 2, RevMajor: 3, RevMinor: 19}

type simKey struct {
	parent Handle
	blob   *wire.KeyBlob
}

type simSession struct {
	nonceEven wire.Nonce
}

// Simulator is an in-memory TPM 1.2 stand-in with a fixed number of key and
// session slots. It parses key blobs and tracks slot occupancy exactly as a
// chip would, which makes it suitable for exercising the service's slot
// management; it does not verify HMACs.
type Simulator struct {
	mu           sync.Mutex
	keySlots     int
	sessionSlots int
	keys         map[Handle]*simKey
	sessions     map[Handle]*simSession
	nextKey      uint32
	nextSession  uint32
	random       io.Reader
	closed       bool

	// LoadCount counts successful LoadKey2 calls.
	LoadCount int
	// EvictCount counts successful EvictKey calls.
	EvictCount int
}

// NewSimulator returns a simulator with the given slot counts.
func NewSimulator(keySlots, sessionSlots int) *Simulator {
	return &Simulator{
		keySlots:     keySlots,
		sessionSlots: sessionSlots,
		keys:         make(map[Handle]*simKey),
		sessions:     make(map[Handle]*simSession),
		random:       rand.Reader,
	}
}

func (s *Simulator) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return tss.NewError(tss.TCS(tss.ECanceled), err.Error())
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Simulator) nonce() (wire.Nonce, error) {
	var n wire.Nonce
	if _, err := io.ReadFull(s.random, n[:]); err != nil {
		return n, fmt.Errorf("device: simulator nonce: %w", err)
	}
	return n, nil
}

func (s *Simulator) openSession() (Session, error) {
	if len(s.sessions) >= s.sessionSlots {
		return Session{}, tss.FromDevice(uint32(tss.TPMResources))
	}
	even, err := s.nonce()
	if err != nil {
		return Session{}, err
	}
	s.nextSession++
	h := Handle(simSessionBase | s.nextSession)
	s.sessions[h] = &simSession{nonceEven: even}
	return Session{Handle: h, NonceEven: even}, nil
}

func (s *Simulator) OIAP(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return Session{}, err
	}
	return s.openSession()
}

func (s *Simulator) OSAP(ctx context.Context, entityType uint16, entityValue uint32, _ wire.Nonce) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return Session{}, err
	}
	if entityType == EntityKeyHandle && !s.keyPresent(Handle(entityValue)) {
		return Session{}, tss.FromDevice(uint32(tss.TPMInvalidKeyHandle))
	}
	sess, err := s.openSession()
	if err != nil {
		return Session{}, err
	}
	if sess.NonceEvenShared, err = s.nonce(); err != nil {
		delete(s.sessions, sess.Handle)
		return Session{}, err
	}
	return sess, nil
}

func (s *Simulator) DSAP(ctx context.Context, entityType uint16, key Handle, _ wire.Nonce, entityValue []byte) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return Session{}, err
	}
	if entityType != EntityDelRow && entityType != EntityDelBlob {
		return Session{}, tss.FromDevice(uint32(tss.TPMBadParameter))
	}
	if entityType == EntityDelBlob && len(entityValue) == 0 {
		return Session{}, tss.FromDevice(uint32(tss.TPMBadParameter))
	}
	if !s.keyPresent(key) {
		return Session{}, tss.FromDevice(uint32(tss.TPMInvalidKeyHandle))
	}
	sess, err := s.openSession()
	if err != nil {
		return Session{}, err
	}
	if sess.NonceEvenShared, err = s.nonce(); err != nil {
		delete(s.sessions, sess.Handle)
		return Session{}, err
	}
	return sess, nil
}

func (s *Simulator) TerminateHandle(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.sessions[h]; !ok {
		return tss.FromDevice(uint32(tss.TPMInvalidAuthHandle))
	}
	delete(s.sessions, h)
	return nil
}

// useAuth consumes one use of the client's session.
func (s *Simulator) useAuth(auth *wire.Auth) error {
	if auth == nil {
		return nil
	}
	h := Handle(auth.AuthHandle)
	sess, ok := s.sessions[h]
	if !ok {
		return tss.FromDevice(uint32(tss.TPMInvalidAuthHandle))
	}
	even, err := s.nonce()
	if err != nil {
		return err
	}
	sess.nonceEven = even
	auth.NonceEven = even
	if !auth.ContinueSession {
		delete(s.sessions, h)
	}
	return nil
}

func (s *Simulator) keyPresent(h Handle) bool {
	if h == SRKHandle {
		return true
	}
	_, ok := s.keys[h]
	return ok
}

func (s *Simulator) LoadKey2(ctx context.Context, parent Handle, blob []byte, auth *wire.Auth) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	if !s.keyPresent(parent) {
		return 0, tss.FromDevice(uint32(tss.TPMInvalidKeyHandle))
	}
	kb, err := wire.ParseKeyBlob(blob)
	if err != nil {
		return 0, tss.FromDevice(uint32(tss.TPMBadParameter))
	}
	if len(s.keys) >= s.keySlots {
		return 0, tss.FromDevice(uint32(tss.TPMNoSpace))
	}
	if err := s.useAuth(auth); err != nil {
		return 0, err
	}
	s.nextKey++
	h := Handle(simKeyBase | s.nextKey)
	s.keys[h] = &simKey{parent: parent, blob: kb}
	s.LoadCount++
	return h, nil
}

func (s *Simulator) EvictKey(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.keys[h]; !ok {
		return tss.FromDevice(uint32(tss.TPMInvalidKeyHandle))
	}
	delete(s.keys, h)
	s.EvictCount++
	return nil
}

func (s *Simulator) GetPubKey(ctx context.Context, h Handle, auth *wire.Auth) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	k, ok := s.keys[h]
	if !ok {
		return nil, tss.FromDevice(uint32(tss.TPMInvalidKeyHandle))
	}
	if err := s.useAuth(auth); err != nil {
		return nil, err
	}
	return k.blob.PublicKey(), nil
}

func (s *Simulator) GetRandom(ctx context.Context, n uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(s.random, out); err != nil {
		return nil, fmt.Errorf("device: simulator random: %w", err)
	}
	return out, nil
}

func (s *Simulator) StirRandom(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if len(data) > 255 {
		return tss.FromDevice(uint32(tss.TPMBadParameter))
	}
	return nil
}

func (s *Simulator) GetCapability(ctx context.Context, area uint32, sub []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	switch area {
	case CapVersion:
		v := SimulatorVersion
		return []byte{v.Major, v.Minor, v.RevMajor, v.RevMinor}, nil
	case CapProperty:
		if len(sub) != 4 {
			return nil, tss.FromDevice(uint32(tss.TPMBadParameter))
		}
		var val int
		switch binary.BigEndian.Uint32(sub) {
		case CapPropMaxKeys:
			val = s.keySlots
		case CapPropSlots:
			val = s.keySlots - len(s.keys)
		case CapPropMaxAuthSess:
			val = s.sessionSlots
		default:
			return nil, tss.FromDevice(uint32(tss.TPMBadParameter))
		}
		return binary.BigEndian.AppendUint32(nil, uint32(val)), nil
	}
	return nil, tss.FromDevice(uint32(tss.TPMBadParameter))
}

func (s *Simulator) Version() wire.Version {
	return SimulatorVersion
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Loaded reports how many key slots are occupied.
func (s *Simulator) Loaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Sessions reports how many session slots are occupied.
func (s *Simulator) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HasSession reports whether h is an open session.
func (s *Simulator) HasSession(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[h]
	return ok
}

// HasKey reports whether h is a loaded key.
func (s *Simulator) HasKey(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyPresent(h)
}
