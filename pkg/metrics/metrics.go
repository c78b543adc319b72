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

// Package metrics provides Prometheus instrumentation for the TCS daemon:
// per-ordinal command counters and latencies, connection gauges, and the
// occupancy of the session table and key cache.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all daemon metrics
	Namespace = "tcsd"

	// Label names
	LabelOrdinal = "ordinal"
	LabelStatus  = "status"
	LabelReason  = "reason"
	LabelResult  = "result"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Connection rejection reasons
	ReasonPoolFull    = "pool_full"
	ReasonRateLimited = "rate_limited"
)

var (
	// CommandsTotal counts dispatched commands by ordinal name and status.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Total number of TCS commands by ordinal and status",
		},
		[]string{LabelOrdinal, LabelStatus},
	)

	// CommandDuration tracks command latency in seconds, including the wait
	// for the device lock.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of TCS commands in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelOrdinal},
	)

	// CommandErrors counts failed commands by the result code returned.
	CommandErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "command_errors_total",
			Help:      "Total number of failed TCS commands by ordinal and result code",
		},
		[]string{LabelOrdinal, LabelResult},
	)

	// CommandsDenied counts requests from remote peers refused by the
	// remote operation allow-list.
	CommandsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_denied_total",
			Help:      "Total number of commands refused to remote peers",
		},
		[]string{LabelOrdinal},
	)

	// ActiveConnections is the number of connections with a worker.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of client connections currently served",
		},
	)

	// ConnectionsTotal counts accepted connections.
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections",
		},
	)

	// ConnectionsRejected counts connections closed without service.
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of client connections rejected by reason",
		},
		[]string{LabelReason},
	)

	// OpenContexts is the number of open TCS contexts.
	OpenContexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "open_contexts",
			Help:      "Number of open TCS contexts",
		},
	)

	// AuthSessions is the number of live authorization sessions.
	AuthSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "auth_sessions",
			Help:      "Number of live authorization sessions",
		},
	)

	// AuthEvictionsTotal counts sessions evicted to free a device slot.
	AuthEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "auth_evictions_total",
			Help:      "Total number of authorization sessions evicted for device space",
		},
	)

	// KeysCached is the number of keys known to the key cache.
	KeysCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "keys_cached",
			Help:      "Number of keys held in the key cache",
		},
	)

	// KeysLoaded is the number of cached keys occupying device slots.
	KeysLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "keys_loaded",
			Help:      "Number of cached keys resident in device key slots",
		},
	)

	// KeyLoadsTotal counts device key loads by status.
	KeyLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "key_loads_total",
			Help:      "Total number of device key loads by status",
		},
		[]string{LabelStatus},
	)

	// KeyEvictionsTotal counts keys swapped out to make room.
	KeyEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "key_evictions_total",
			Help:      "Total number of keys swapped out of device slots",
		},
	)

	// DeviceHealthy indicates whether the last device probe succeeded.
	DeviceHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "device_healthy",
			Help:      "Indicates whether the TPM answered the last probe (1) or not (0)",
		},
	)

	// Goroutines tracks the current number of goroutines.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	// MemoryAllocBytes tracks bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	// MemorySysBytes tracks total bytes of memory obtained from the OS.
	MemorySysBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_sys_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	// GCPauseTotalSeconds tracks cumulative GC pause time.
	GCPauseTotalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "gc_pause_total_seconds",
			Help:      "Cumulative GC pause time in seconds",
		},
	)

	// ServerUptime tracks the daemon uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordCommand records one dispatched command.
//
// Parameters:
//   - ordinal: The ordinal name, e.g. "OIAP"
//   - result: The symbolic result code; empty or "TSS_SUCCESS" counts as success
//   - duration: The command duration in seconds
func RecordCommand(ordinal, result string, duration float64) {
	if !enabled.Load() {
		return
	}
	status := StatusSuccess
	if result != "" && result != "TSS_SUCCESS" {
		status = StatusError
		CommandErrors.WithLabelValues(ordinal, result).Inc()
	}
	CommandsTotal.WithLabelValues(ordinal, status).Inc()
	CommandDuration.WithLabelValues(ordinal).Observe(duration)
}

// RecordDenied records a command refused to a remote peer.
func RecordDenied(ordinal string) {
	if !enabled.Load() {
		return
	}
	CommandsDenied.WithLabelValues(ordinal).Inc()
}

// IncrementActiveConnections records an accepted connection.
func IncrementActiveConnections() {
	if !enabled.Load() {
		return
	}
	ActiveConnections.Inc()
	ConnectionsTotal.Inc()
}

// DecrementActiveConnections records a connection teardown.
func DecrementActiveConnections() {
	if !enabled.Load() {
		return
	}
	ActiveConnections.Dec()
}

// RecordConnectionRejected records a connection closed without service.
func RecordConnectionRejected(reason string) {
	if !enabled.Load() {
		return
	}
	ConnectionsRejected.WithLabelValues(reason).Inc()
}

// SetOpenContexts sets the number of open contexts.
func SetOpenContexts(n int) {
	if !enabled.Load() {
		return
	}
	OpenContexts.Set(float64(n))
}

// SetAuthSessions sets the number of live authorization sessions.
func SetAuthSessions(n int) {
	if !enabled.Load() {
		return
	}
	AuthSessions.Set(float64(n))
}

// RecordAuthEviction records a session evicted for device space.
func RecordAuthEviction() {
	if !enabled.Load() {
		return
	}
	AuthEvictionsTotal.Inc()
}

// SetCachedKeys sets the key cache occupancy gauges.
func SetCachedKeys(cached, loaded int) {
	if !enabled.Load() {
		return
	}
	KeysCached.Set(float64(cached))
	KeysLoaded.Set(float64(loaded))
}

// RecordKeyLoad records a device key load attempt.
func RecordKeyLoad(ok bool) {
	if !enabled.Load() {
		return
	}
	status := StatusSuccess
	if !ok {
		status = StatusError
	}
	KeyLoadsTotal.WithLabelValues(status).Inc()
}

// RecordKeyEviction records a key swapped out of its slot.
func RecordKeyEviction() {
	if !enabled.Load() {
		return
	}
	KeyEvictionsTotal.Inc()
}

// SetDeviceHealth sets the device health gauge.
func SetDeviceHealth(healthy bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	DeviceHealthy.Set(value)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
