// Command postingstub is an in-memory stand-in for the downstream
// posting service, used for local runs and integration testing. It is
// deliberately not idempotent: posting an id twice is a 409. Failure
// injection makes the gateway's retry and verification paths easy to
// exercise, including the post-write mode where the record is stored
// and the response still fails.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fairyhunter13/txn-gateway/internal/domain"
)

type failureMode struct {
	// FailNext makes the next N POSTs answer 500.
	FailNext int `json:"failNext"`
	// WriteBeforeError stores the record before answering 500, which
	// simulates a post-write failure.
	WriteBeforeError bool `json:"writeBeforeError"`
}

type stub struct {
	mu      sync.Mutex
	records map[string]domain.Transaction
	mode    failureMode
}

func newStub() *stub {
	return &stub{records: map[string]domain.Transaction{}}
}

func (s *stub) getHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	tx, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tx)
}

func (s *stub) postHandler(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil || tx.ID == "" {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode.FailNext > 0 {
		s.mode.FailNext--
		if s.mode.WriteBeforeError {
			if _, dup := s.records[tx.ID]; !dup {
				s.records[tx.ID] = tx
			}
		}
		slog.Warn("injected failure", slog.String("id", tx.ID),
			slog.Bool("write_before_error", s.mode.WriteBeforeError),
			slog.Int("remaining", s.mode.FailNext))
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}

	if _, dup := s.records[tx.ID]; dup {
		http.Error(w, "duplicate transaction", http.StatusConflict)
		return
	}
	s.records[tx.ID] = tx
	slog.Info("transaction recorded", slog.String("id", tx.ID))
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(tx)
}

func (s *stub) cleanupHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := len(s.records)
	s.records = map[string]domain.Transaction{}
	s.mode = failureMode{}
	s.mu.Unlock()
	slog.Info("records cleared", slog.Int("count", n))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"count": n})
}

func (s *stub) failuresHandler(w http.ResponseWriter, r *http.Request) {
	var mode failureMode
	if err := json.NewDecoder(r.Body).Decode(&mode); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3001"
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := newStub()
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/transactions/{id}", s.getHandler)
	r.Post("/transactions", s.postHandler)
	r.Post("/cleanup", s.cleanupHandler)
	r.Post("/control/failures", s.failuresHandler)

	addr := fmt.Sprintf(":%s", port)
	slog.Info("posting stub listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, r); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("posting stub exited", slog.Any("error", err))
		os.Exit(1)
	}
}
