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

package metrics

import (
	"context"
	"runtime"
	"time"
)

// Sampler refreshes gauges owned by another component, such as the device
// health probe. It runs on the collector goroutine.
type Sampler func(ctx context.Context)

// ResourceCollector periodically collects process resource metrics and runs
// registered samplers.
type ResourceCollector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	started  time.Time
	samplers []Sampler
}

// NewResourceCollector creates a collector that updates metrics at the
// specified interval.
//
// Example:
//
//	collector := metrics.NewResourceCollector(ctx, 30*time.Second, probeDevice)
//	go collector.Start()
//	defer collector.Stop()
func NewResourceCollector(ctx context.Context, interval time.Duration, samplers ...Sampler) *ResourceCollector {
	collectorCtx, cancel := context.WithCancel(ctx)
	return &ResourceCollector{
		ctx:      collectorCtx,
		cancel:   cancel,
		interval: interval,
		started:  time.Now(),
		samplers: samplers,
	}
}

// Start collects until Stop is called or the parent context is cancelled.
// It blocks.
func (rc *ResourceCollector) Start() {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.collect()
	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
			rc.collect()
		}
	}
}

// Stop halts the resource collector.
func (rc *ResourceCollector) Stop() {
	rc.cancel()
}

func (rc *ResourceCollector) collect() {
	if !IsEnabled() {
		return
	}
	CollectOnce()
	ServerUptime.Set(time.Since(rc.started).Seconds())
	for _, s := range rc.samplers {
		if rc.ctx.Err() != nil {
			return
		}
		s(rc.ctx)
	}
}

// CollectOnce performs a single collection of process metrics.
func CollectOnce() {
	if !IsEnabled() {
		return
	}
	Goroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryAllocBytes.Set(float64(memStats.Alloc))
	MemorySysBytes.Set(float64(memStats.Sys))
	GCPauseTotalSeconds.Set(float64(memStats.PauseTotalNs) / 1e9)
}

// StartResourceCollector creates a collector and runs it in the background
// until ctx is cancelled.
func StartResourceCollector(ctx context.Context, interval time.Duration, samplers ...Sampler) *ResourceCollector {
	collector := NewResourceCollector(ctx, interval, samplers...)
	go collector.Start()
	return collector
}
