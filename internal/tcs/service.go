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

// Package tcs is the TPM command service. A Service owns the device and
// every piece of state whose meaning depends on what the device holds: the
// open contexts, the key cache and the authorization session table. All of
// it is guarded by one lock so the device sees a single command at a time.
package tcs

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jeremyhahn/go-tcsd/internal/auth"
	"github.com/jeremyhahn/go-tcsd/internal/device"
	"github.com/jeremyhahn/go-tcsd/internal/keycache"
	"github.com/jeremyhahn/go-tcsd/internal/registry"
	"github.com/jeremyhahn/go-tcsd/pkg/metrics"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
)

const (
	// DefaultMaxAuths bounds outstanding authorization sessions.
	DefaultMaxAuths = 1024

	// DefaultKeySlots is used when the device does not report its slot count.
	DefaultKeySlots = 10
)

var (
	ErrBadContext  = tss.NewError(tss.TCS(tss.TCSEInvalidContextHandle), "tcs: invalid context handle")
	ErrContextOpen = tss.NewError(tss.TCS(tss.EBadParameter), "tcs: connection already has an open context")
	ErrClosed      = tss.NewError(tss.TCS(tss.ECommFailure), "tcs: service closed")
)

// Config configures a Service.
type Config struct {
	Device   device.Device
	Registry *registry.Registry
	// KeySlots overrides the device's reported key slot count when non-zero.
	KeySlots int
	MaxAuths int
	// MaxThreads is reported through TCSGetCapability.
	MaxThreads int
	Logger     *slog.Logger
}

type clientContext struct {
	handle uint32
	peer   string
	opened time.Time
}

// Service is the command service.
type Service struct {
	// mu serializes device access and guards everything below it.
	mu       sync.Mutex
	dev      device.Device
	keys     *keycache.Cache
	auths    *auth.Manager
	contexts map[uint32]*clientContext
	closed   bool

	reg        *registry.Registry
	keySlots   int
	maxAuths   int
	maxThreads int
	logger     *slog.Logger
}

// Stats is a point-in-time view of service occupancy.
type Stats struct {
	Contexts     int
	AuthSessions int
	KeysCached   int
	KeysLoaded   int
}

// New returns a service over cfg.Device. When cfg.KeySlots is zero the slot
// count is read from the device.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Device == nil {
		return nil, errors.New("tcs: device is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("tcs: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tcs")

	slots := cfg.KeySlots
	if slots <= 0 {
		n, err := queryProperty(ctx, cfg.Device, device.CapPropMaxKeys)
		if err != nil {
			logger.Warn("Device did not report its key slot count, using default",
				"default", DefaultKeySlots, "error", err)
			n = DefaultKeySlots
		}
		slots = int(n)
	}
	maxAuths := cfg.MaxAuths
	if maxAuths <= 0 {
		maxAuths = DefaultMaxAuths
	}

	s := &Service{
		dev:        cfg.Device,
		keys:       keycache.New(cfg.Device, slots, logger),
		auths:      auth.New(cfg.Device, maxAuths, logger),
		contexts:   make(map[uint32]*clientContext),
		reg:        cfg.Registry,
		keySlots:   slots,
		maxAuths:   maxAuths,
		maxThreads: cfg.MaxThreads,
		logger:     logger,
	}
	v := cfg.Device.Version()
	logger.Info("TPM command service ready",
		"tpm_version", fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.RevMajor, v.RevMinor),
		"key_slots", slots,
		"max_auths", maxAuths)
	return s, nil
}

func queryProperty(ctx context.Context, dev device.Device, prop uint32) (uint32, error) {
	sub := binary.BigEndian.AppendUint32(nil, prop)
	resp, err := dev.GetCapability(ctx, device.CapProperty, sub)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, device.ErrShortResponse
	}
	return binary.BigEndian.Uint32(resp), nil
}

// KeySlots returns the number of device key slots the cache manages.
func (s *Service) KeySlots() int {
	return s.keySlots
}

// Stats returns current occupancy.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Contexts:     len(s.contexts),
		AuthSessions: s.auths.Len(),
		KeysCached:   s.keys.Len(),
		KeysLoaded:   s.keys.LoadedCount(),
	}
}

// OpenContext allocates a context for peer.
func (s *Service) OpenContext(peer string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	h, err := s.newContextHandle()
	if err != nil {
		return 0, err
	}
	s.contexts[h] = &clientContext{handle: h, peer: peer, opened: time.Now()}
	metrics.SetOpenContexts(len(s.contexts))
	s.logger.Debug("Opened context", "context", fmt.Sprintf("0x%08x", h), "peer", peer)
	return h, nil
}

func (s *Service) newContextHandle() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("tcs: context handle: %w", err)
		}
		h := binary.BigEndian.Uint32(b[:])
		if _, taken := s.contexts[h]; h != 0 && !taken {
			return h, nil
		}
	}
}

// CloseContext releases every session and key claim the context holds.
func (s *Service) CloseContext(ctx context.Context, h uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeContextLocked(ctx, h)
}

func (s *Service) closeContextLocked(ctx context.Context, h uint32) error {
	cc, ok := s.contexts[h]
	if !ok {
		return fmt.Errorf("%w: 0x%08x", ErrBadContext, h)
	}
	s.auths.ReleaseContext(ctx, h)
	s.keys.ReleaseContext(ctx, h)
	delete(s.contexts, h)
	metrics.SetOpenContexts(len(s.contexts))
	s.logger.Debug("Closed context",
		"context", fmt.Sprintf("0x%08x", h),
		"peer", cc.peer,
		"age", time.Since(cc.opened).Round(time.Millisecond))
	return nil
}

// verifyLocked checks that h is the context opened on this connection.
func (s *Service) verifyLocked(h uint32, connCtx uint32, hasCtx bool) error {
	if !hasCtx || h != connCtx {
		return fmt.Errorf("%w: 0x%08x", ErrBadContext, h)
	}
	if _, ok := s.contexts[h]; !ok {
		return fmt.Errorf("%w: 0x%08x", ErrBadContext, h)
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Ping issues a harmless device command. It backs the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.dev.GetCapability(ctx, device.CapVersion, nil)
	metrics.SetDeviceHealth(err == nil)
	return err
}

// Close releases every open context and closes the device and registry.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for h := range s.contexts {
		if err := s.closeContextLocked(ctx, h); err != nil {
			s.logger.Warn("Failed to close context", "context", fmt.Sprintf("0x%08x", h), "error", err)
		}
	}
	s.closed = true
	return errors.Join(s.dev.Close(), s.reg.Close())
}
