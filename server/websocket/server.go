// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mailbox/internal/bufpool"
	"github.com/absmach/mailbox/mailbox"
	"github.com/absmach/mailbox/provider"
	"github.com/absmach/mailbox/ratelimit"
	"github.com/absmach/mailbox/types"
	"github.com/gorilla/websocket"
)

const (
	defaultPath         = "/subscribe"
	defaultWriteTimeout = 10 * time.Second
	maxCloseReason      = 123
)

// Subscriber is the part of the mailbox the WebSocket server uses.
type Subscriber interface {
	Subscribe(ctx context.Context, addr string, handler provider.Handler) (*provider.Subscription, error)
}

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	TLSConfig       *tls.Config
}

// Server streams pushed messages of one mailbox address per connection.
// Each delivered message is written as a JSON text frame; a failed write
// nacks the message back to the head of its mailbox.
type Server struct {
	config   Config
	mailbox  Subscriber
	limiter  *ratelimit.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConnection]struct{}
}

func New(cfg Config, mb Subscriber, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	s := &Server{
		config:  cfg,
		mailbox: mb,
		limiter: limiter,
		logger:  logger,
		conns:   make(map[*wsConnection]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:      cfg.Address,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		// Hijacked connections are not closed by Shutdown.
		s.closeAll()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.AllowConnection(r.RemoteAddr) {
		s.logger.Warn("websocket_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	addr := r.URL.Query().Get("address")
	if addr == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	conn := &wsConnection{ws: ws, writeTimeout: s.config.WriteTimeout}
	s.track(conn, true)
	defer s.track(conn, false)

	s.logger.Debug("websocket_connection_accepted",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("address", addr))

	// Subscribing may deliver backlog immediately, so it happens after the upgrade.
	sub, err := s.mailbox.Subscribe(r.Context(), addr, conn.deliver)
	if err != nil {
		s.logger.Warn("websocket_subscribe_failed",
			slog.String("address", addr),
			slog.String("error", err.Error()))
		conn.closeWith(closeCode(err), err.Error())
		return
	}

	// The read loop only serves control frames and detects disconnects.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	if err := sub.Unsubscribe(context.Background()); err != nil {
		s.logger.Error("websocket_unsubscribe_failed",
			slog.String("subscription_id", sub.ID()),
			slog.String("error", err.Error()))
	}
	conn.close()

	s.logger.Debug("websocket_connection_closed",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("subscription_id", sub.ID()))
}

func (s *Server) track(c *wsConnection, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
		return
	}
	delete(s.conns, c)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*wsConnection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func closeCode(err error) int {
	switch {
	case errors.Is(err, mailbox.ErrRateLimited):
		return websocket.ClosePolicyViolation
	case errors.Is(err, mailbox.ErrInvalidAddress), errors.Is(err, mailbox.ErrNoProvider):
		return websocket.CloseUnsupportedData
	default:
		return websocket.CloseInternalServerErr
	}
}

// wsConnection serializes writes; gorilla connections allow one concurrent writer.
type wsConnection struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *wsConnection) deliver(_ context.Context, msg *types.Message) error {
	buf, err := bufpool.EncodeJSON(types.ToWire(msg))
	if err != nil {
		return err
	}
	defer bufpool.Put(buf)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return provider.Retriable(errors.New("websocket connection closed"))
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return provider.Retriable(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return provider.Retriable(err)
	}
	return nil
}

func (c *wsConnection) closeWith(code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}

	c.mu.Lock()
	if !c.closed {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(c.writeTimeout))
	}
	c.mu.Unlock()

	c.close()
}

func (c *wsConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}
