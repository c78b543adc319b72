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

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Disabled(t *testing.T) {
	l := New(nil)
	defer l.Stop()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("10.0.0.1"))
	}
	assert.False(t, l.IsEnabled())
	assert.Equal(t, 0, l.Stats().ActivePeers)
}

func TestLimiter_BurstPerPeer(t *testing.T) {
	l := New(&Config{Enabled: true, ConnectionsPerMinute: 1, Burst: 3})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "attempt %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "peers have independent buckets")

	st := l.Stats()
	assert.Equal(t, 2, st.ActivePeers)
	assert.Equal(t, 3, st.Burst)
	assert.InDelta(t, 1.0, st.RatePerMin, 0.0001)
}

func TestLimiter_BurstDefaultsToRate(t *testing.T) {
	l := New(&Config{Enabled: true, ConnectionsPerMinute: 2})
	defer l.Stop()
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiter_Cleanup(t *testing.T) {
	l := New(&Config{Enabled: true, ConnectionsPerMinute: 60, MaxIdle: time.Minute})
	defer l.Stop()
	l.Allow("a")
	l.cleanup(time.Now())
	assert.Equal(t, 1, l.Stats().ActivePeers)
	l.cleanup(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, l.Stats().ActivePeers)
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(&Config{Enabled: true, ConnectionsPerMinute: 10})
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestPeerHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			defer c.Close()
			time.Sleep(50 * time.Millisecond)
		}
	}()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "127.0.0.1", PeerHost(conn))
	assert.Equal(t, "unknown", PeerHost(nil))
}
