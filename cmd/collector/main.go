// Command collector is a stand-in ingestion endpoint for local runs. It
// accepts batches on /api/v2/events and answers with a status that can be
// switched at runtime to exercise the agent's backoff handling.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/aridsondez/eventqueue/internal/logging"
	"github.com/aridsondez/eventqueue/internal/queue"
	"github.com/aridsondez/eventqueue/internal/submission"
)

type collector struct {
	log      *zap.Logger
	apiKey   string
	status   atomic.Int64
	received atomic.Int64
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	apiKey := flag.String("key", "", "required bearer token (empty accepts any)")
	status := flag.Int("status", http.StatusAccepted, "initial response status")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := logging.New(*level)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	c := &collector{log: logger, apiKey: *apiKey}
	c.status.Store(int64(*status))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post(submission.EventsPath, c.handleEvents)
	r.Get("/control/status", c.handleGetStatus)
	r.Put("/control/status/{code}", c.handleSetStatus)

	logger.Info("collector_listening", zap.String("addr", *addr), zap.Int("status", *status))
	if err := http.ListenAndServe(*addr, r); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http_server_error", zap.Error(err))
	}
}

func (c *collector) handleEvents(w http.ResponseWriter, r *http.Request) {
	if c.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+c.apiKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad gzip: %v", err), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}

	var events []queue.Event
	if err := json.NewDecoder(body).Decode(&events); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}

	code := int(c.status.Load())
	if code >= 200 && code < 300 {
		total := c.received.Add(int64(len(events)))
		c.log.Info("batch_received", zap.Int("count", len(events)), zap.Int64("total", total))
	} else {
		c.log.Info("batch_rejected", zap.Int("count", len(events)), zap.Int("status", code))
	}
	w.WriteHeader(code)
}

func (c *collector) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{
		"status":   c.status.Load(),
		"received": c.received.Load(),
	})
}

func (c *collector) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil || code < 200 || code > 599 {
		http.Error(w, "status must be an HTTP status code", http.StatusBadRequest)
		return
	}
	c.status.Store(int64(code))
	c.log.Info("collector_status_changed", zap.Int("status", code))
	w.WriteHeader(http.StatusNoContent)
}
