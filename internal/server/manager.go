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

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
	"github.com/jeremyhahn/go-tcsd/pkg/correlation"
	"github.com/jeremyhahn/go-tcsd/pkg/metrics"
	"github.com/jeremyhahn/go-tcsd/pkg/ratelimit"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// teardownTimeout bounds the context close issued for a dropped connection.
const teardownTimeout = 10 * time.Second

var outOfMemory = tss.TCS(tss.EOutOfMemory)

var (
	ErrPoolFull     = errors.New("server: all worker slots are busy")
	ErrRateLimited  = errors.New("server: peer exceeded its connection rate")
	ErrShuttingDown = errors.New("server: shutting down")
)

// Dispatcher runs one request held in the connection's buffer.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *dispatch.Conn) tss.Result
}

// ContextCloser releases a TCS context a client left open.
type ContextCloser interface {
	CloseContext(ctx context.Context, h uint32) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MaxThreads int
	// ReadTimeout bounds the idle time between requests. Zero disables it.
	ReadTimeout time.Duration
	Dispatcher  Dispatcher
	Contexts    ContextCloser
	// Limiter throttles accepts per peer. Nil admits everything.
	Limiter *ratelimit.Limiter
	// Locality decides whether a peer counts as local for the remote
	// operation gate. Defaults to IsLocal.
	Locality func(net.Conn) bool
	Logger   *slog.Logger
}

type worker struct {
	slot int
	conn net.Conn
	c    *dispatch.Conn
}

// Manager owns the bounded worker table. Its lock is independent of the
// service's device lock so accepts never wait on a device command.
type Manager struct {
	mu       sync.Mutex
	slots    []*worker
	active   int
	wg       sync.WaitGroup
	shutdown atomic.Bool

	readTimeout time.Duration
	dispatcher  Dispatcher
	contexts    ContextCloser
	limiter     *ratelimit.Limiter
	locality    func(net.Conn) bool
	logger      *slog.Logger
}

// NewManager returns a manager with cfg.MaxThreads worker slots.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxThreads < 1 {
		cfg.MaxThreads = 1
	}
	if cfg.Locality == nil {
		cfg.Locality = IsLocal
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		slots:       make([]*worker, cfg.MaxThreads),
		readTimeout: cfg.ReadTimeout,
		dispatcher:  cfg.Dispatcher,
		contexts:    cfg.Contexts,
		limiter:     cfg.Limiter,
		locality:    cfg.Locality,
		logger:      cfg.Logger.With("component", "connections"),
	}
}

// Active returns the number of connections with a worker.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Accept hands conn to a free worker, or closes it and returns ErrPoolFull
// when every slot is taken.
func (m *Manager) Accept(conn net.Conn) error {
	peer := PeerName(conn)
	if m.shutdown.Load() {
		_ = conn.Close()
		return ErrShuttingDown
	}
	if m.limiter != nil && !m.limiter.AllowConn(conn) {
		_ = conn.Close()
		m.logger.Warn("Connection rejected, rate limit exceeded", "peer", peer)
		metrics.RecordConnectionRejected(metrics.ReasonRateLimited)
		return ErrRateLimited
	}

	m.mu.Lock()
	// Shutdown sets the flag before it takes mu, so a worker added past
	// this check is always seen and closed by Shutdown.
	if m.shutdown.Load() {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrShuttingDown
	}
	slot := -1
	for i, w := range m.slots {
		if w == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		m.mu.Unlock()
		_ = conn.Close()
		m.logger.Warn("Connection rejected, worker pool full", "peer", peer, "max_threads", len(m.slots))
		metrics.RecordConnectionRejected(metrics.ReasonPoolFull)
		return ErrPoolFull
	}

	id := correlation.NewID()
	w := &worker{
		slot: slot,
		conn: conn,
		c: &dispatch.Conn{
			ID:     id,
			Peer:   peer,
			Local:  m.locality(conn),
			Buf:    wire.NewBuffer(),
			Logger: m.logger.With(correlation.LogAttr, id, "peer", peer),
		},
	}
	m.slots[slot] = w
	m.active++
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.IncrementActiveConnections()
	w.c.Logger.Debug("Accepted connection", "slot", slot, "local", w.c.Local)
	go m.serve(w)
	return nil
}

func (m *Manager) serve(w *worker) {
	defer m.teardown(w)

	// In-flight commands always run to completion, so the request context
	// is never cancelled by shutdown.
	ctx := correlation.WithID(context.Background(), w.c.ID)
	for !m.shutdown.Load() {
		if m.readTimeout > 0 {
			_ = w.conn.SetReadDeadline(time.Now().Add(m.readTimeout))
		}
		if _, err := w.c.Buf.ReadFrom(w.conn); err != nil {
			if !errors.Is(err, wire.ErrMalformed) {
				m.logReadError(w.c, err)
				return
			}
			w.c.Logger.Debug("Malformed packet", "error", err)
			w.c.Buf.Fail(uint32(tss.Code(err)))
		} else if m.dispatcher.Dispatch(ctx, w.c) == outOfMemory {
			// The response could not be built. Report it and drop the
			// connection.
			if _, err := w.c.Buf.WriteTo(w.conn); err != nil {
				w.c.Logger.Debug("Write failed", "error", err)
			}
			w.c.Logger.Warn("Dropping connection after allocation failure")
			return
		}
		if _, err := w.c.Buf.WriteTo(w.conn); err != nil {
			w.c.Logger.Debug("Write failed", "error", err)
			return
		}
	}
}

func (m *Manager) logReadError(c *dispatch.Conn, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		c.Logger.Debug("Client disconnected")
	case errors.Is(err, wire.ErrFraming), errors.Is(err, wire.ErrTooLarge):
		c.Logger.Warn("Dropping connection after unframeable packet", "error", err)
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.Logger.Debug("Connection idle timeout")
			return
		}
		c.Logger.Debug("Read failed", "error", err)
	}
}

// teardown closes the socket, releases a context the client never closed
// and frees the worker slot.
func (m *Manager) teardown(w *worker) {
	_ = w.conn.Close()
	if w.c.HasContext && m.contexts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := m.contexts.CloseContext(ctx, w.c.Context); err != nil {
			w.c.Logger.Warn("Failed to close abandoned context", "error", err)
		} else {
			w.c.Logger.Debug("Closed abandoned context")
		}
		cancel()
		w.c.HasContext = false
	}

	m.mu.Lock()
	m.slots[w.slot] = nil
	m.active--
	m.mu.Unlock()

	metrics.DecrementActiveConnections()
	m.wg.Done()
}

// Shutdown stops accepting, closes every live connection and waits for the
// workers to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Store(true)

	m.mu.Lock()
	for _, w := range m.slots {
		if w != nil {
			_ = w.conn.Close()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
