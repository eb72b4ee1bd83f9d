// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/dispatcher/envelope"
	"github.com/absmach/dispatcher/stream"
	"github.com/absmach/dispatcher/workqueue"
	"github.com/google/uuid"
)

const maxBodySize = 4 << 20

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
	// Limiter throttles publishes per tenant. Nil disables throttling.
	Limiter Limiter
}

// Limiter decides whether a publish for the given key may proceed.
type Limiter interface {
	Allow(key string) bool
}

// Publisher appends encoded envelopes to the source topic.
type Publisher interface {
	Topic() string
	Send(ctx context.Context, key, value []byte) (stream.Record, error)
}

// DeadLister exposes permanently failed work items.
type DeadLister interface {
	ListDead(ctx context.Context, target uuid.UUID, limit int) ([]workqueue.Item, error)
}

// Metrics counts accepted envelopes.
type Metrics interface {
	RecordIngest(ctx context.Context, topic string)
}

// Server is the ingest endpoint. It accepts envelopes over HTTP and appends
// them to the source log.
type Server struct {
	config    Config
	publisher Publisher
	dead      DeadLister
	metrics   Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates the ingest server. dead and metrics may be nil.
func New(cfg Config, p Publisher, dead DeadLister, metrics Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		publisher: p,
		dead:      dead,
		metrics:   metrics,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/publish", s.handlePublish)
	mux.HandleFunc("/dead", s.handleDead)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:      cfg.Address,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
	}

	return s
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("ingest_starting", slog.String("addr", s.config.Address))

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("ingest_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("ingest_stopped")
		return nil
	}
}

type publishRequest struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	TraceID       uuid.UUID `json:"trace_id"`
	EventSourceID uuid.UUID `json:"event_source_id"`
	Payload       []byte    `json:"payload"`
}

type publishResponse struct {
	Status    string    `json:"status"`
	TraceID   uuid.UUID `json:"trace_id"`
	Partition int       `json:"partition"`
	Offset    uint64    `json:"offset"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.logger.Warn("ingest_invalid_request", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.TenantID == uuid.Nil {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if req.EventSourceID == uuid.Nil {
		http.Error(w, "event_source_id is required", http.StatusBadRequest)
		return
	}
	if req.TraceID == uuid.Nil {
		req.TraceID = uuid.New()
	}
	if s.config.Limiter != nil && !s.config.Limiter.Allow(req.TenantID.String()) {
		s.logger.Warn("ingest_rate_limited", slog.String("tenant_id", req.TenantID.String()))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	env := envelope.New(req.TenantID, req.TraceID, req.EventSourceID, req.Payload)
	data, err := envelope.Encode(env, envelope.Raw{})
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid envelope: %v", err), http.StatusBadRequest)
		return
	}

	rec, err := s.publisher.Send(r.Context(), req.TenantID[:], data)
	if err != nil {
		s.logger.Error("ingest_publish_failed",
			slog.String("tenant_id", req.TenantID.String()),
			slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("publish failed: %v", err), http.StatusInternalServerError)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordIngest(r.Context(), s.publisher.Topic())
	}
	s.logger.Debug("ingest_publish",
		slog.String("tenant_id", req.TenantID.String()),
		slog.String("trace_id", req.TraceID.String()),
		slog.Int("partition", rec.Partition),
		slog.Uint64("offset", rec.Offset),
		slog.Int("payload_size", len(req.Payload)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(publishResponse{
		Status:    "accepted",
		TraceID:   req.TraceID,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	})
}

type deadItem struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	TraceID       uuid.UUID `json:"trace_id"`
	EventSourceID uuid.UUID `json:"event_source_id"`
	TargetID      uuid.UUID `json:"target_id"`
	Payload       []byte    `json:"payload"`
}

func (s *Server) handleDead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.dead == nil {
		http.Error(w, "dead list not available", http.StatusNotFound)
		return
	}

	target, err := uuid.Parse(r.URL.Query().Get("target_id"))
	if err != nil {
		http.Error(w, "target_id must be a UUID", http.StatusBadRequest)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	items, err := s.dead.ListDead(r.Context(), target, limit)
	if err != nil {
		s.logger.Error("ingest_list_dead_failed", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("list failed: %v", err), http.StatusInternalServerError)
		return
	}

	out := make([]deadItem, 0, len(items))
	for _, it := range items {
		out = append(out, deadItem{
			TenantID:      it.TenantID,
			TraceID:       it.TraceID,
			EventSourceID: it.EventSourceID,
			TargetID:      it.TargetID,
			Payload:       it.Payload,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
