// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/atelier-foundation/atelier/lib/capability"
	"github.com/atelier-foundation/atelier/lib/clock"
	"github.com/atelier-foundation/atelier/lib/identity"
	"github.com/atelier-foundation/atelier/lib/replay"
	"github.com/atelier-foundation/atelier/lib/secret"
	"github.com/atelier-foundation/atelier/transport"
)

// Server is the assembled gate daemon: HTTP listeners (TCP and Unix
// socket), the optional tunnel relay listener, and the health monitor.
type Server struct {
	config     *Config
	handler    *Handler
	guardrails *Guardrails
	monitor    *Monitor
	logger     *slog.Logger

	httpServer   *http.Server
	unixListener net.Listener
	tcpListener  net.Listener

	tunnelListener *transport.TCPListener
	tunnelToken    *secret.Buffer

	serveCtx    context.Context
	serveCancel context.CancelFunc
}

// NewServer assembles a gate from its configuration: policy and
// guardrails, credential validators, replay guard, forwarder, health
// monitor, and the HTTP surface.
func NewServer(config *Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := LoadPolicy(config.PolicyPath)
	if err != nil {
		return nil, err
	}
	guardrails := NewGuardrails(policy)

	capabilityKey, err := readEd25519PublicKey(config.Trust.CapabilityKeyPath)
	if err != nil {
		return nil, fmt.Errorf("capability key: %w", err)
	}
	capabilityValidator, err := capability.NewValidator(capability.ValidatorConfig{
		Issuer:    config.Trust.Issuer,
		Audience:  config.Name,
		PublicKey: capabilityKey,
	})
	if err != nil {
		return nil, err
	}

	var identityValidator *identity.Validator
	if len(config.Trust.ServiceKeys) > 0 {
		identityValidator = identity.NewValidator(identity.ValidatorConfig{
			GracePeriod: config.Trust.RotationGrace,
			Logger:      logger,
		})
		for version, path := range config.Trust.ServiceKeys {
			key, err := readEd25519PublicKey(path)
			if err != nil {
				return nil, fmt.Errorf("service key v%d: %w", version, err)
			}
			if err := identityValidator.AddKey(version, key); err != nil {
				return nil, err
			}
		}
	}

	authorizer, err := NewAuthorizer(AuthorizerConfig{
		Capability:       capabilityValidator,
		Identity:         identityValidator,
		AcceptedServices: config.Trust.AcceptedServices,
		Replay:           replay.NewGuard(config.Trust.ReplayCacheSize, clock.Real()),
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	monitor := NewMonitor(MonitorConfig{
		Upstreams: policy.Upstreams,
		Interval:  config.Health.ProbeInterval,
		Timeout:   config.Health.ProbeTimeout,
		CacheTTL:  config.Health.CacheTTL,
		Logger:    logger,
	})

	upstreamNames := make([]string, 0, len(policy.Upstreams))
	for name := range policy.Upstreams {
		upstreamNames = append(upstreamNames, name)
	}

	handler, err := NewHandler(HandlerConfig{
		Policy:     policy,
		Authorizer: authorizer,
		Forwarder:  NewForwarder(guardrails, logger),
		Monitor:    monitor,
		Breakers:   NewBreakerSet(upstreamNames, 0, 0, clock.Real()),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	server := &Server{
		config:     config,
		handler:    handler,
		guardrails: guardrails,
		monitor:    monitor,
		logger:     logger,
		httpServer: &http.Server{
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
	}

	if config.Tunnel.Enabled {
		token, err := secret.ReadFromPath(config.Tunnel.AuthTokenPath)
		if err != nil {
			return nil, fmt.Errorf("tunnel auth token: %w", err)
		}
		server.tunnelToken = token
	}

	return server, nil
}

// Start opens every configured listener and begins serving. Signals
// readiness to systemd once all listeners are up.
func (s *Server) Start() error {
	s.serveCtx, s.serveCancel = context.WithCancel(context.Background())

	if s.config.Listen.SocketPath != "" {
		if err := s.startUnixListener(); err != nil {
			return err
		}
	}

	if s.config.Listen.Address != "" {
		tcpListener, err := net.Listen("tcp", s.config.Listen.Address)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listening on %s: %w", s.config.Listen.Address, err)
		}
		s.tcpListener = tcpListener
		s.logger.Info("gate listening", "address", tcpListener.Addr().String())

		// Serve takes ownership of its listener, so the TCP side gets
		// its own http.Server instance sharing the handler.
		tcpServer := &http.Server{
			Handler:      s.httpServer.Handler,
			ReadTimeout:  s.httpServer.ReadTimeout,
			WriteTimeout: s.httpServer.WriteTimeout,
		}
		go func() {
			if err := tcpServer.Serve(tcpListener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("tcp server error", "error", err)
			}
		}()
	}

	if s.config.Tunnel.Enabled {
		if err := s.startTunnelListener(); err != nil {
			s.closeListeners()
			return err
		}
	}

	go s.monitor.Run(s.serveCtx)

	notifySystemd("READY=1")
	return nil
}

func (s *Server) startUnixListener() error {
	socketPath := s.config.Listen.SocketPath
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0660); err != nil {
		unixListener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.unixListener = unixListener
	s.logger.Info("gate listening", "socket", socketPath)

	go func() {
		if err := s.httpServer.Serve(unixListener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("unix server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) startTunnelListener() error {
	tunnelServer, err := transport.NewTunnelServer(transport.TunnelServerConfig{
		AuthToken:  s.tunnelToken,
		Authorizer: s.guardrails,
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}
	tunnelListener, err := transport.NewTCPListener(s.config.Tunnel.Address)
	if err != nil {
		return fmt.Errorf("tunnel listener on %s: %w", s.config.Tunnel.Address, err)
	}
	s.tunnelListener = tunnelListener
	s.logger.Info("tunnel relay listening", "address", tunnelListener.Address())

	go func() {
		if err := tunnelListener.Serve(s.serveCtx, tunnelServer); err != nil {
			s.logger.Error("tunnel listener error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops every listener gracefully and releases the tunnel
// credential.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gate")
	if s.serveCancel != nil {
		s.serveCancel()
	}

	err := s.httpServer.Shutdown(ctx)
	s.closeListeners()

	if s.tunnelToken != nil {
		s.tunnelToken.Close()
	}
	return err
}

func (s *Server) closeListeners() {
	if s.unixListener != nil {
		os.Remove(s.config.Listen.SocketPath)
	}
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.tunnelListener != nil {
		s.tunnelListener.Close()
	}
}

// readEd25519PublicKey reads a raw 32-byte Ed25519 public key file.
func readEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%s holds %d bytes, want %d", path, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// notifySystemd writes to the sd_notify socket when running under
// systemd. No-op otherwise.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}
