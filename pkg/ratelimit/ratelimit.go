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

// Package ratelimit throttles how fast a single peer may open connections
// to the daemon. Each peer host gets its own token bucket.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool

	// ConnectionsPerMinute sets the sustained accept rate per peer.
	ConnectionsPerMinute int

	// Burst allows short bursts above the sustained rate.
	// If not set, defaults to ConnectionsPerMinute.
	Burst int

	// CleanupInterval controls how often idle peers are forgotten.
	// Defaults to 10 minutes.
	CleanupInterval time.Duration

	// MaxIdle is how long a peer can be idle before cleanup.
	// Defaults to 30 minutes.
	MaxIdle time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-peer token bucket limiter.
type Limiter struct {
	mu      sync.Mutex
	peers   map[string]*bucket
	rate    rate.Limit
	burst   int
	enabled bool

	cleanupInterval time.Duration
	maxIdle         time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// Stats is a snapshot of limiter state.
type Stats struct {
	Enabled     bool
	ActivePeers int
	RatePerMin  float64
	Burst       int
}

// New creates a limiter. A nil config yields a disabled limiter.
func New(config *Config) *Limiter {
	if config == nil {
		config = &Config{}
	}
	burst := config.Burst
	if burst == 0 {
		burst = config.ConnectionsPerMinute
	}
	cleanupInterval := config.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = 10 * time.Minute
	}
	maxIdle := config.MaxIdle
	if maxIdle == 0 {
		maxIdle = 30 * time.Minute
	}

	l := &Limiter{
		peers:           make(map[string]*bucket),
		rate:            rate.Limit(float64(config.ConnectionsPerMinute) / 60.0),
		burst:           burst,
		enabled:         config.Enabled,
		cleanupInterval: cleanupInterval,
		maxIdle:         maxIdle,
		stop:            make(chan struct{}),
	}
	if l.enabled {
		go l.cleanupWorker()
	}
	return l
}

// Allow reports whether peer may open another connection now.
func (l *Limiter) Allow(peer string) bool {
	if !l.enabled {
		return true
	}
	l.mu.Lock()
	b, ok := l.peers[peer]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.peers[peer] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// AllowConn applies Allow to the connection's remote host. Connections on
// unix sockets share a single bucket.
func (l *Limiter) AllowConn(conn net.Conn) bool {
	if !l.enabled {
		return true
	}
	return l.Allow(PeerHost(conn))
}

// PeerHost returns the host part of the connection's remote address.
func PeerHost(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return "unknown"
	}
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		if addr == "" || addr == "@" {
			return "unix"
		}
		return addr
	}
	return host
}

func (l *Limiter) cleanupWorker() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for peer, b := range l.peers {
		if now.Sub(b.lastSeen) > l.maxIdle {
			delete(l.peers, peer)
		}
	}
}

// Stop stops the cleanup worker. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Enabled:     l.enabled,
		ActivePeers: len(l.peers),
		RatePerMin:  float64(l.rate) * 60,
		Burst:       l.burst,
	}
}

// IsEnabled returns whether rate limiting is enabled.
func (l *Limiter) IsEnabled() bool {
	return l.enabled
}
