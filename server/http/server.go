// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/mailbox/address"
	"github.com/absmach/mailbox/mailbox"
	"github.com/absmach/mailbox/provider"
	"github.com/absmach/mailbox/ratelimit"
	"github.com/absmach/mailbox/types"
	"github.com/benbjohnson/clock"
)

// Mailbox is the part of the mailbox the HTTP API uses.
type Mailbox interface {
	Post(ctx context.Context, mail types.OutgoingMail) (*types.Message, error)
	Fetch(ctx context.Context, addr string, opts types.FetchOptions) (*types.Delivery, error)
	Status(ctx context.Context, addr string) (types.Status, error)
}

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config

	// AckTimeout applies to manual-ack fetches: older in-flight messages of
	// the fetched mailbox are recovered first. Zero disables recovery.
	AckTimeout time.Duration

	// Clock must be the clock of the queue behind the mailbox. Defaults to
	// the wall clock.
	Clock clock.Clock
}

// lease is a manual-ack delivery handed to an HTTP client. It lives until
// the client settles it or the queue recovers its message.
type lease struct {
	delivery *types.Delivery
	topic    string
	acquired time.Time
}

type Server struct {
	config  Config
	mailbox Mailbox
	limiter *ratelimit.Manager
	logger  *slog.Logger
	server  *http.Server

	mu     sync.Mutex
	leases map[string]lease
}

// New creates the HTTP API server. limiter may be nil.
func New(cfg Config, mb Mailbox, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &Server{
		config:  cfg,
		mailbox: mb,
		limiter: limiter,
		logger:  logger,
		leases:  make(map[string]lease),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/post", s.handlePost)
	mux.HandleFunc("/fetch", s.handleFetch)
	mux.HandleFunc("/ack", s.handleAck)
	mux.HandleFunc("/nack", s.handleNack)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:      cfg.Address,
		Handler:   s.limit(mux),
		TLSConfig: cfg.TLSConfig,
	}

	return s
}

// Handler returns the API routes behind the connection limiter.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("http_api_starting", slog.String("addr", s.config.Address))

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
		s.logger.Info("http_api_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_api_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("http_api_stopped")
		return nil
	}
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.AllowConnection(r.RemoteAddr) {
			s.logger.Warn("http_request_rate_limited", slog.String("remote_addr", r.RemoteAddr))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type postRequest struct {
	ID      string         `json:"id"`
	From    string         `json:"from"`
	To      string         `json:"to"`
	Body    any            `json:"body"`
	Headers map[string]any `json:"headers"`
}

type postResponse struct {
	ID string `json:"id"`
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("http_post_invalid_request", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.To == "" {
		http.Error(w, "to is required", http.StatusBadRequest)
		return
	}

	msg, err := s.mailbox.Post(r.Context(), types.OutgoingMail{
		ID:      req.ID,
		From:    req.From,
		To:      req.To,
		Body:    req.Body,
		Headers: req.Headers,
	})
	if err != nil {
		s.fail(w, "http_post_failed", err)
		return
	}

	s.logger.Debug("http_post", slog.String("id", msg.ID), slog.String("to", req.To))
	writeJSON(w, http.StatusOK, postResponse{ID: msg.ID})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	addr := q.Get("address")
	if addr == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	manual := false
	if v := q.Get("manual_ack"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "manual_ack must be a boolean", http.StatusBadRequest)
			return
		}
		manual = b
	}

	opts := types.FetchOptions{ManualAck: manual}
	if manual {
		opts.AckTimeout = s.config.AckTimeout
	}

	d, err := s.mailbox.Fetch(r.Context(), addr, opts)
	if err != nil {
		s.fail(w, "http_fetch_failed", err)
		return
	}

	if manual {
		if topic, err := address.TopicOf(addr); err == nil {
			s.expireLeases(topic)
			if d.Manual() {
				s.mu.Lock()
				s.leases[d.ID] = lease{delivery: d, topic: topic, acquired: s.config.Clock.Now()}
				s.mu.Unlock()
			}
		}
	}

	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	wire := types.ToWire(d.Message)
	wire.ManualAck = d.Manual()
	writeJSON(w, http.StatusOK, wire)
}

type settleRequest struct {
	ID      string `json:"id"`
	Requeue bool   `json:"requeue"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(ctx context.Context, d *types.Delivery, _ bool) error {
		return d.Ack(ctx)
	})
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(ctx context.Context, d *types.Delivery, requeue bool) error {
		return d.Nack(ctx, requeue)
	})
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, fn func(context.Context, *types.Delivery, bool) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	l, ok := s.leases[req.ID]
	delete(s.leases, req.ID)
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no in-flight delivery with that id", http.StatusNotFound)
		return
	}

	if err := fn(r.Context(), l.delivery, req.Requeue); err != nil {
		s.fail(w, "http_settle_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	addr := r.URL.Query().Get("address")
	if addr == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}

	st, err := s.mailbox.Status(r.Context(), addr)
	if err != nil {
		s.fail(w, "http_status_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// expireLeases drops the leases of topic whose messages the fetch that just
// ran on topic has recovered. A lease is taken after its dequeue, so a lease
// older than the ack timeout implies an older in-flight record, which the
// queue requeues on every manual fetch of the same topic.
func (s *Server) expireLeases(topic string) {
	if s.config.AckTimeout <= 0 {
		return
	}
	now := s.config.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.leases {
		if l.topic == topic && now.Sub(l.acquired) > s.config.AckTimeout {
			delete(s.leases, id)
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, event string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(event, slog.String("error", err.Error()))
	} else {
		s.logger.Debug(event, slog.String("error", err.Error()))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	var te *provider.TransportError
	switch {
	case errors.Is(err, mailbox.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, mailbox.ErrNoProvider):
		return http.StatusNotFound
	case errors.Is(err, mailbox.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
