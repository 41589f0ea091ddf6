package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aridsondez/eventqueue/internal/queue"
	"github.com/aridsondez/eventqueue/internal/queue/eventqueue"
)

// Queue is the part of the event queue the HTTP surface drives.
type Queue interface {
	Enqueue(ctx context.Context, ev queue.Event) error
	Process(ctx context.Context, delay time.Duration)
	SuspendProcessing(ctx context.Context, opts eventqueue.SuspendOptions)
	Status(ctx context.Context) eventqueue.Status
}

// Toggle flips queue processing on and off at runtime.
type Toggle interface {
	Set(enabled bool)
}

const maxBatch = 1000

type Server struct {
	queue   Queue
	toggle  Toggle
	log     *zap.Logger
	addr    string
	timeout time.Duration
}

func NewServer(addr string, q Queue, toggle Toggle, log *zap.Logger) *http.Server {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &Server{
		queue:   q,
		toggle:  toggle,
		log:     log,
		addr:    addr,
		timeout: 5 * time.Second,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(srv.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(srv.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// capture: POST /v1/events (one event or an array)
		r.Post("/events", srv.handleEvents)

		r.Get("/queue", srv.handleStatus)
		r.Post("/queue:process", srv.handleProcess)
		r.Post("/queue:suspend", srv.handleSuspend)
		r.Post("/queue:enable", srv.handleToggle(true))
		r.Post("/queue:disable", srv.handleToggle(false))
	})

	return &http.Server{
		Addr:    srv.addr,
		Handler: r,
	}
}

type eventsResponse struct {
	Accepted int `json:"accepted"`
}

type processRequest struct {
	DelayMS int64 `json:"delay_ms,omitempty"`
}

type suspendRequest struct {
	DurationMS int64 `json:"duration_ms,omitempty"` // default 5 minutes
	Discard    bool  `json:"discard,omitempty"`
	Clear      bool  `json:"clear,omitempty"`
}

// ---------- Handlers ----------

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	var events []queue.Event
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			httpError(w, http.StatusBadRequest, "invalid json: %v", err)
			return
		}
	} else {
		var ev queue.Event
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			httpError(w, http.StatusBadRequest, "invalid json: %v", err)
			return
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		httpError(w, http.StatusBadRequest, "no events")
		return
	}
	if len(events) > maxBatch {
		httpError(w, http.StatusRequestEntityTooLarge, "at most %d events per request", maxBatch)
		return
	}
	for i, ev := range events {
		if ev.Type == "" {
			httpError(w, http.StatusBadRequest, "event %d: `type` is required", i)
			return
		}
	}

	now := time.Now().UTC()
	accepted := 0
	for _, ev := range events {
		if ev.Date.IsZero() {
			ev.Date = now
		}
		if err := s.queue.Enqueue(r.Context(), ev); err != nil {
			s.log.Error("enqueue_failed", zap.Error(err), zap.Int("accepted", accepted))
			httpError(w, http.StatusInternalServerError, "enqueue failed after %d events: %v", accepted, err)
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, &eventsResponse{Accepted: accepted})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Status(r.Context()))
}

// The cycle outlives the request, so it runs detached.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	// An empty body takes the defaults.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.DelayMS < 0 {
		httpError(w, http.StatusBadRequest, "`delay_ms` must not be negative")
		return
	}
	delay := time.Duration(req.DelayMS) * time.Millisecond
	go s.queue.Process(context.Background(), delay)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	var req suspendRequest
	// An empty body takes the defaults.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.DurationMS < 0 {
		httpError(w, http.StatusBadRequest, "`duration_ms` must not be negative")
		return
	}
	s.queue.SuspendProcessing(r.Context(), eventqueue.SuspendOptions{
		Duration:                 time.Duration(req.DurationMS) * time.Millisecond,
		DiscardFutureQueuedItems: req.Discard,
		ClearQueue:               req.Clear,
	})
	writeJSON(w, http.StatusOK, s.queue.Status(r.Context()))
}

func (s *Server) handleToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.toggle.Set(enabled)
		s.log.Info("queue_toggled", zap.Bool("enabled", enabled))
		writeJSON(w, http.StatusOK, s.queue.Status(r.Context()))
	}
}

// ---------- helpers ----------

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
