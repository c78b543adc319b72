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

// Package server runs the TCS daemon: it opens the device and key registry,
// builds the command service and dispatch table, and serves clients on TCP
// and unix sockets through a bounded worker pool. Prometheus metrics and
// health probes share an HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-tcsd/internal/config"
	"github.com/jeremyhahn/go-tcsd/internal/device"
	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
	"github.com/jeremyhahn/go-tcsd/internal/registry"
	"github.com/jeremyhahn/go-tcsd/internal/tcs"
	"github.com/jeremyhahn/go-tcsd/pkg/health"
	"github.com/jeremyhahn/go-tcsd/pkg/metrics"
	"github.com/jeremyhahn/go-tcsd/pkg/ratelimit"
	"github.com/jeremyhahn/go-tcsd/pkg/storage"
	"github.com/jeremyhahn/go-tcsd/pkg/storage/file"
	"github.com/jeremyhahn/go-tcsd/pkg/storage/memory"
)

// Simulator slot counts used when the configuration leaves them unset.
const (
	DefaultSimulatorKeySlots     = 10
	DefaultSimulatorSessionSlots = 16
)

// Server is the TCS daemon.
type Server struct {
	config *config.Config
	mu     sync.RWMutex
	logger *slog.Logger
	// level is shared by every handler built from the daemon logger so
	// Reload can change verbosity in place.
	level *slog.LevelVar

	service *tcs.Service
	table   *dispatch.Table
	manager *Manager
	limiter *ratelimit.Limiter

	listeners     []net.Listener
	httpServer    *http.Server
	healthChecker *health.Checker

	metricsCollector *metrics.ResourceCollector

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New opens the configured device and registry and builds the daemon.
func New(cfg *config.Config) (*Server, error) {
	level := new(slog.LevelVar)
	logger := setupLogger(cfg.Logging, os.Stdout, level)
	slog.SetDefault(logger)
	ctx := context.Background()

	dev, err := openDevice(ctx, cfg.Device, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	return newServer(cfg, dev, logger, level)
}

// NewWithDevice builds the daemon over an already opened device. The server
// owns dev from here on. A caller supplied logger keeps its own level and
// Reload does not change it.
func NewWithDevice(cfg *config.Config, dev device.Device, logger *slog.Logger) (*Server, error) {
	level := new(slog.LevelVar)
	if logger == nil {
		logger = setupLogger(cfg.Logging, os.Stdout, level)
	}
	return newServer(cfg, dev, logger, level)
}

func newServer(cfg *config.Config, dev device.Device, logger *slog.Logger, level *slog.LevelVar) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	store, err := openStorage(cfg.Storage)
	if err != nil {
		cancel()
		_ = dev.Close()
		return nil, fmt.Errorf("failed to open key registry storage: %w", err)
	}
	reg := registry.New(store, logger)

	service, err := tcs.New(ctx, tcs.Config{
		Device:     dev,
		Registry:   reg,
		KeySlots:   cfg.Device.KeySlots,
		MaxAuths:   cfg.Limits.MaxAuths,
		MaxThreads: cfg.Server.MaxThreads,
		Logger:     logger,
	})
	if err != nil {
		cancel()
		_ = dev.Close()
		_ = reg.Close()
		return nil, fmt.Errorf("failed to create command service: %w", err)
	}

	remote, err := cfg.RemoteOrdinals()
	if err != nil {
		cancel()
		_ = service.Close(ctx)
		return nil, err
	}
	disabled, err := cfg.DisabledOrdinals()
	if err != nil {
		cancel()
		_ = service.Close(ctx)
		return nil, err
	}
	table := dispatch.New(dispatch.Config{
		Handlers:  service.Handlers(),
		Disabled:  disabled,
		RemoteOps: remote,
		Logger:    logger,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(&ratelimit.Config{
			Enabled:              true,
			ConnectionsPerMinute: cfg.RateLimit.ConnectionsPerMin,
			Burst:                cfg.RateLimit.Burst,
		})
	}

	s := &Server{
		config:     cfg,
		logger:     logger,
		level:      level,
		service:    service,
		table:      table,
		limiter:    limiter,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
	}
	s.manager = NewManager(ManagerConfig{
		MaxThreads:  cfg.Server.MaxThreads,
		ReadTimeout: cfg.Server.ReadTimeout,
		Dispatcher:  table,
		Contexts:    service,
		Limiter:     limiter,
		Logger:      logger,
	})
	s.initializeHealth()

	if len(remote) > 0 {
		logger.Info("Remote operations restricted", "allowed", len(remote))
	}
	if len(disabled) > 0 {
		logger.Info("Ordinals disabled", "count", len(disabled))
	}
	return s, nil
}

func openDevice(ctx context.Context, cfg config.DeviceConfig, logger *slog.Logger) (device.Device, error) {
	switch cfg.Type {
	case "simulator":
		keys, sessions := cfg.KeySlots, cfg.SessionSlots
		if keys == 0 {
			keys = DefaultSimulatorKeySlots
		}
		if sessions == 0 {
			sessions = DefaultSimulatorSessionSlots
		}
		logger.Warn("Using the in-memory TPM simulator", "key_slots", keys, "session_slots", sessions)
		return device.NewSimulator(keys, sessions), nil
	case "tpm":
		return device.OpenTPM(ctx, cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown device type: %s", cfg.Type)
	}
}

func openStorage(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "file":
		return file.New(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// parseLevel maps a configured level name to its slog level.
func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger configures the logger based on config. level is set from
// cfg and stays live: changing it later changes what the logger emits.
func setupLogger(cfg config.LoggingConfig, w io.Writer, level *slog.LevelVar) *slog.Logger {
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// BuildVersion retrieves the version from build information
func BuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return "dev-" + setting.Value[:7]
		}
	}
	return "dev"
}

// initializeHealth registers the device probe.
func (s *Server) initializeHealth() {
	s.healthChecker = health.NewChecker()
	timeout := s.config.Health.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	s.healthChecker.RegisterCheck("tpm", health.PingCheck("tpm", timeout, s.service.Ping))
}

// Start opens the listeners and begins serving. Listener errors are returned
// before any goroutine starts.
func (s *Server) Start() error {
	s.logger.Info("Starting TCS daemon...", "version", BuildVersion())

	if addr := s.config.TCPAddress(); addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, l)
	}
	if path := s.config.Server.UnixSocket; path != "" {
		l, err := listenUnix(path)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.listeners = append(s.listeners, l)
	}

	if s.config.Metrics.Enabled {
		s.initializeMetrics()
	}
	if s.config.Metrics.Enabled || s.config.Health.Enabled {
		if err := s.startHTTP(); err != nil {
			s.closeListeners()
			return err
		}
	}

	for _, l := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(l)
		s.logger.Info("Listening for TCS clients", "network", l.Addr().Network(), "address", l.Addr().String())
	}

	s.healthChecker.MarkStarted()
	s.logger.Info("TCS daemon started",
		"max_threads", s.config.Server.MaxThreads,
		"key_slots", s.service.KeySlots())
	return nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	// #nosec G302 - clients in the socket's group must be able to connect
	if err := os.Chmod(path, 0660); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return l, nil
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Accept failed", slog.Any("error", err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		// Rejections are logged and counted by the manager.
		_ = s.manager.Accept(conn)
	}
}

// initializeMetrics enables collection and starts the resource collector.
func (s *Server) initializeMetrics() {
	metrics.Enable()
	interval := s.config.Metrics.CollectInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.metricsCollector = metrics.StartResourceCollector(s.ctx, interval, s.sampleService)
	s.logger.Info("Metrics initialized", "interval", interval)
}

// sampleService refreshes the occupancy gauges and the device health gauge.
func (s *Server) sampleService(ctx context.Context) {
	st := s.service.Stats()
	metrics.SetOpenContexts(st.Contexts)
	metrics.SetAuthSessions(st.AuthSessions)
	metrics.SetCachedKeys(st.KeysCached, st.KeysLoaded)
	if err := s.service.Ping(ctx); err != nil {
		s.logger.Warn("Device probe failed", slog.Any("error", err))
	}
}

// startHTTP serves metrics and health probes on one listener.
func (s *Server) startHTTP() error {
	addr := fmt.Sprintf("%s:%d", s.config.Metrics.Host, s.config.Metrics.Port)

	mux := http.NewServeMux()
	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
	if s.config.Health.Enabled {
		probes := s.healthChecker.Handler(s.config.Health.Path)
		mux.Handle(s.config.Health.Path, probes)
		mux.Handle(s.config.Health.Path+"/", probes)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Starting metrics server", "address", l.Addr().String(), "path", s.config.Metrics.Path)
		if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", slog.Any("error", err))
		}
	}()
	return nil
}

// Addrs returns the addresses of the client listeners.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Service returns the command service.
func (s *Server) Service() *tcs.Service {
	return s.service
}

// HealthChecker returns the health checker.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
	if path := s.config.Server.UnixSocket; path != "" {
		_ = os.Remove(path)
	}
}

// Shutdown stops accepting, joins every worker, then releases the service.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down TCS daemon...")
	s.healthChecker.MarkNotStarted()

	if s.metricsCollector != nil {
		s.metricsCollector.Stop()
	}
	s.cancel()
	s.closeListeners()

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Error shutting down metrics server", slog.Any("error", err))
		}
	}
	if err := s.manager.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Shutdown timeout exceeded, forcing stop", "active", s.manager.Active())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("Listener goroutines did not exit in time")
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}
	err := s.service.Close(shutdownCtx)
	if err != nil {
		s.logger.Error("Error closing command service", slog.Any("error", err))
	}

	close(s.shutdownCh)
	s.logger.Info("Server shutdown complete")
	return err
}

// WaitForShutdown blocks until the server is shut down
func (s *Server) WaitForShutdown() {
	<-s.shutdownCh
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		slog.Info("Received shutdown signal")
		cancel()
	}()

	return ctx
}
