// Package server wires the admission daemon together: deployment, adapter,
// connector and admin listeners, configuration reload and shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wudi/admission/internal/adapter"
	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/deploy"
	"github.com/wudi/admission/internal/listener"
	"github.com/wudi/admission/internal/logging"
	"github.com/wudi/admission/internal/metrics"
	"github.com/wudi/admission/internal/tracing"
	"github.com/wudi/admission/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	connectorID = "connector"
	adminID     = "admin"

	maxReloadHistory = 50
)

// Options configures a Server beyond the configuration file.
type Options struct {
	// ConfigPath is reloaded on SIGHUP and POST /reload. Empty disables
	// reloading.
	ConfigPath string
	// Watch redeploys whenever ConfigPath changes on disk.
	Watch bool
	// Version is reported by the admin API.
	Version string
	Logger  *zap.Logger
}

// Server is a running admission daemon.
type Server struct {
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	deployer  *deploy.Deployer
	adapter   *adapter.Adapter
	handler   *transport.Handler
	manager   *listener.Manager
	connector *listener.HTTPListener
	admin     *listener.HTTPListener
	watcher   *config.Watcher
	startTime time.Time
	ready     atomic.Bool

	mu            sync.Mutex
	config        *config.Config
	reloadHistory []deploy.Result

	shutdownOnce sync.Once
	shutdownErr  error
}

// New deploys cfg and prepares its listeners without binding them.
func New(cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	s := &Server{
		opts:      opts,
		logger:    logger.Named("server"),
		metrics:   metrics.NewCollector(),
		manager:   listener.NewManager(),
		config:    cfg,
		startTime: time.Now(),
	}

	var err error
	if s.tracer, err = tracing.New(cfg.Tracing); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	if s.deployer, err = deploy.New(cfg, logger); err != nil {
		s.tracer.Close(context.Background())
		return nil, fmt.Errorf("deploy: %w", err)
	}

	acfg := adapter.ConfigFrom(cfg.Connector, cfg.Engine)
	acfg.Logger = logger
	acfg.Metrics = s.metrics
	acfg.Tracer = s.tracer
	if s.adapter, err = adapter.New(acfg, s.deployer.Engine(), s.deployer.Mapper()); err != nil {
		s.release()
		return nil, fmt.Errorf("adapter: %w", err)
	}
	s.handler = transport.New(s.adapter, transport.Options{
		AsyncTimeout: cfg.Connector.AsyncTimeout,
		Metrics:      s.metrics,
		Logger:       logger,
	})

	if err := s.initListeners(cfg); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Server) initListeners(cfg *config.Config) error {
	c := cfg.Connector
	var err error
	s.connector, err = listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:                connectorID,
		Address:           c.Address,
		Handler:           s.handler,
		TLS:               c.TLS,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxHeaderBytes:    c.MaxHeaderBytes,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		EnableHTTP3:       c.HTTP3,
	})
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}
	if err := s.manager.Add(s.connector); err != nil {
		return err
	}

	if cfg.Admin.Enabled {
		s.admin, err = listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:           adminID,
			Address:      cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to create admin listener: %w", err)
		}
		if err := s.manager.Add(s.admin); err != nil {
			return err
		}
	}
	return nil
}

// Deployer returns the deployment registry.
func (s *Server) Deployer() *deploy.Deployer { return s.deployer }

// Metrics returns the collector shared by the adapter and transport.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// ConnectorAddr returns the bound connector address.
func (s *Server) ConnectorAddr() string { return s.connector.Addr() }

// AdminAddr returns the bound admin address, or "" when the admin API is
// disabled.
func (s *Server) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// Config returns the configuration currently deployed.
func (s *Server) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Start binds every listener and starts watching the configuration file.
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.StartAll(ctx); err != nil {
		return err
	}
	if s.opts.Watch && s.opts.ConfigPath != "" {
		w, err := config.NewWatcher(s.opts.ConfigPath)
		if err != nil {
			s.logger.Warn("config watcher disabled", zap.Error(err))
		} else {
			w.OnChange(func(cfg *config.Config) { s.apply(cfg) })
			w.OnError(func(err error) {
				s.recordReload(deploy.Result{Timestamp: time.Now(), Error: fmt.Sprintf("config load failed: %v", err)})
			})
			if err := w.Start(); err != nil {
				w.Stop()
				s.logger.Warn("config watcher disabled", zap.Error(err))
			} else {
				s.watcher = w
			}
		}
	}
	s.ready.Store(true)
	s.logger.Info("admission server started",
		zap.String("connector", s.connector.Addr()),
		zap.String("admin", s.AdminAddr()),
	)
	return nil
}

// Run starts the server and blocks until ctx ends, SIGINT or SIGTERM
// arrives, or a listener fails. SIGHUP reloads the configuration. The
// server is shut down before Run returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		s.release()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.backgroundLoop(gctx)
		return nil
	})
	g.Go(func() error {
		s.hangupLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return s.watchListeners(gctx)
	})
	runErr := g.Wait()
	if runErr == nil {
		s.logger.Info("shutting down gracefully")
	}

	return errors.Join(runErr, s.Shutdown(s.Config().Connector.ShutdownTimeout))
}

// backgroundLoop runs the periodic container work until ctx ends.
func (s *Server) backgroundLoop(ctx context.Context) {
	interval := s.Config().Engine.BackgroundInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deployer.Engine().BackgroundProcess()
		}
	}
}

func (s *Server) hangupLoop(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			result := s.ReloadConfig()
			if result.Success {
				s.logger.Info("config reloaded", zap.Int("changes", len(result.Changes)))
			} else {
				s.logger.Error("config reload failed", zap.String("error", result.Error))
			}
		}
	}
}

// watchListeners returns the first serve failure of a started listener.
func (s *Server) watchListeners(ctx context.Context) error {
	var adminErr <-chan error
	if s.admin != nil {
		adminErr = s.admin.Err()
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.connector.Err():
		return fmt.Errorf("connector: %w", err)
	case err := <-adminErr:
		return fmt.Errorf("admin: %w", err)
	}
}

// Shutdown stops accepting exchanges, wakes suspended ones and releases
// every resource. Later calls return the first result.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.ready.Store(false)
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("config watcher: %w", err))
			}
		}
		// Suspended exchanges hold their connection until woken.
		s.handler.Close()
		if err := s.manager.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.tracer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
		if err := s.deployer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("deploy: %w", err))
		}
		s.shutdownErr = errors.Join(errs...)
		if s.shutdownErr != nil {
			s.logger.Error("shutdown incomplete", zap.Error(s.shutdownErr))
		} else {
			s.logger.Info("server shutdown complete")
		}
	})
	return s.shutdownErr
}

// release frees what New acquired when the server never started.
func (s *Server) release() {
	if s.handler != nil {
		s.handler.Close()
	}
	s.tracer.Close(context.Background())
	s.deployer.Close()
}

// ReloadConfig loads the configuration file and redeploys it.
func (s *Server) ReloadConfig() deploy.Result {
	if s.opts.ConfigPath == "" {
		return deploy.Result{Timestamp: time.Now(), Error: "no config path configured"}
	}
	cfg, err := config.NewLoader().Load(s.opts.ConfigPath)
	if err != nil {
		result := deploy.Result{Timestamp: time.Now(), Error: fmt.Sprintf("config load failed: %v", err)}
		s.recordReload(result)
		return result
	}
	return s.apply(cfg)
}

// apply redeploys cfg. Connector settings other than the TLS certificate
// take effect on restart only.
func (s *Server) apply(cfg *config.Config) deploy.Result {
	s.mu.Lock()
	old := s.config
	s.mu.Unlock()

	result := s.deployer.Apply(cfg)
	if result.Success {
		if cfg.Connector.TLS.Enabled && s.connector.Certificate() != nil {
			if err := s.connector.ReloadTLSCert(cfg.Connector.TLS.CertFile, cfg.Connector.TLS.KeyFile); err != nil {
				s.logger.Error("failed to reload TLS certificate", zap.Error(err))
			} else {
				result.Changes = append(result.Changes, "connector certificate reloaded")
			}
		}
		if !reflect.DeepEqual(withoutCert(old.Connector), withoutCert(cfg.Connector)) ||
			!reflect.DeepEqual(old.Admin, cfg.Admin) ||
			!reflect.DeepEqual(old.Tracing, cfg.Tracing) ||
			old.Engine.PausedRetryInterval != cfg.Engine.PausedRetryInterval {
			s.logger.Warn("listener, tracing and adapter settings change on restart only")
		}
		s.mu.Lock()
		s.config = cfg
		s.mu.Unlock()
	}
	s.recordReload(result)
	return result
}

func withoutCert(c config.ConnectorConfig) config.ConnectorConfig {
	c.TLS.CertFile, c.TLS.KeyFile = "", ""
	return c
}

func (s *Server) recordReload(result deploy.Result) {
	s.metrics.RecordConfigReload(result.Success)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > maxReloadHistory {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-maxReloadHistory:]
	}
}

// ReloadHistory returns the most recent reload results, oldest first.
func (s *Server) ReloadHistory() []deploy.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deploy.Result(nil), s.reloadHistory...)
}
