package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/logging"
	"go.uber.org/zap"
)

// HTTPListener wraps an HTTP server as a Listener
type HTTPListener struct {
	id          string
	address     string
	server      *http.Server
	tlsCfg      *tls.Config
	certPtr     atomic.Pointer[tls.Certificate] // for hot TLS cert reload
	http3Server *http3.Server
	logger      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	udpConn  net.PacketConn
	errCh    chan error
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	TLS               config.TLSConfig
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
	EnableHTTP3       bool
}

// NewHTTPListener creates a new HTTP listener
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{
		id:      cfg.ID,
		address: cfg.Address,
		logger:  logging.Global().Named("listener").With(zap.String("id", cfg.ID)),
		errCh:   make(chan error, 2),
	}

	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		h.certPtr.Store(&cert)

		h.tlsCfg = &tls.Config{
			GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
				return h.certPtr.Load(), nil
			},
			MinVersion: tls.VersionTLS12,
		}

		if cfg.TLS.ClientCAFile != "" {
			caCert, err := os.ReadFile(cfg.TLS.ClientCAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read client CA file: %w", err)
			}
			caPool := x509.NewCertPool()
			if !caPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse client CA certificate")
			}
			h.tlsCfg.ClientCAs = caPool
		}

		switch cfg.TLS.ClientAuth {
		case "request":
			h.tlsCfg.ClientAuth = tls.RequestClientCert
			if h.tlsCfg.ClientCAs != nil {
				h.tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
			}
		case "require":
			h.tlsCfg.ClientAuth = tls.RequireAnyClientCert
		case "verify":
			h.tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		default:
			h.tlsCfg.ClientAuth = tls.NoClientCert
		}
	}

	readTimeout := orDuration(cfg.ReadTimeout, 30*time.Second)
	writeTimeout := orDuration(cfg.WriteTimeout, 30*time.Second)
	idleTimeout := orDuration(cfg.IdleTimeout, 60*time.Second)
	readHeaderTimeout := orDuration(cfg.ReadHeaderTimeout, 10*time.Second)
	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1MB
	}

	handler := cfg.Handler
	if cfg.EnableHTTP3 && h.tlsCfg != nil {
		h.http3Server = &http3.Server{
			Handler:   cfg.Handler,
			TLSConfig: http3.ConfigureTLSConfig(h.tlsCfg),
		}
		handler = h.advertiseHTTP3(cfg.Handler)
	}

	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		TLSConfig:         h.tlsCfg,
		ErrorLog:          zap.NewStdLog(h.logger),
	}

	return h, nil
}

// advertiseHTTP3 adds the Alt-Svc header pointing clients at the QUIC
// endpoint.
func (h *HTTPListener) advertiseHTTP3(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.http3Server.SetQUICHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Addr returns the bound address once started.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// Start binds the address and serves in the background. Failures after
// binding are reported on Err.
func (h *HTTPListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}

	var udpConn net.PacketConn
	if h.http3Server != nil {
		// QUIC shares the TCP port.
		udpConn, err = net.ListenPacket("udp", ln.Addr().String())
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen UDP for HTTP/3 on %s: %w", h.address, err)
		}
		h.http3Server.Port = udpConn.LocalAddr().(*net.UDPAddr).Port
	}

	h.mu.Lock()
	h.listener = ln
	h.udpConn = udpConn
	h.mu.Unlock()

	served := ln
	if h.tlsCfg != nil {
		served = tls.NewListener(ln, h.tlsCfg)
	}
	go func() {
		if err := h.server.Serve(served); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server failed", zap.Error(err))
			h.errCh <- err
		}
	}()
	if udpConn != nil {
		go func() {
			if err := h.http3Server.Serve(udpConn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("http3 server failed", zap.Error(err))
				h.errCh <- err
			}
		}()
	}
	return nil
}

// Err reports serve failures after a successful Start.
func (h *HTTPListener) Err() <-chan error {
	return h.errCh
}

// Stop stops the HTTP listener
func (h *HTTPListener) Stop(ctx context.Context) error {
	if h.http3Server != nil {
		h.http3Server.Close()
	}
	h.mu.Lock()
	if h.udpConn != nil {
		h.udpConn.Close()
	}
	h.mu.Unlock()

	return h.server.Shutdown(ctx)
}

// ReloadTLSCert hot-swaps the TLS certificate without restarting the listener.
func (h *HTTPListener) ReloadTLSCert(certFile, keyFile string) error {
	if h.tlsCfg == nil {
		return errors.New("listener does not serve TLS")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	h.certPtr.Store(&cert)
	return nil
}

// HTTP3Enabled returns whether HTTP/3 is enabled on this listener.
func (h *HTTPListener) HTTP3Enabled() bool {
	return h.http3Server != nil
}

// Server returns the underlying HTTP server
func (h *HTTPListener) Server() *http.Server {
	return h.server
}

// Certificate returns the certificate currently served, or nil.
func (h *HTTPListener) Certificate() *tls.Certificate {
	return h.certPtr.Load()
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
