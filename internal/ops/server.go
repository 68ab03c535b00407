// Package ops exposes the operational HTTP surface: a liveness probe and a
// status endpoint showing per-resource checkpoints and last batch reports.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/medic-kiel/aql2fhir/internal/model"
	"github.com/medic-kiel/aql2fhir/internal/state"
)

// ReportSource yields the most recent batch report per resource type.
type ReportSource interface {
	Reports() []model.BatchReport
}

// Server serves the ops endpoints.
type Server struct {
	store  state.Store
	source ReportSource
	port   int
	log    *zap.Logger
}

// NewServer creates an ops server over the checkpoint store and the
// scheduler's report source.
func NewServer(port int, store state.Store, source ReportSource) *Server {
	return &Server{
		store:  store,
		source: source,
		port:   port,
		log:    zap.L().With(zap.String("component", "ops")),
	}
}

type statusResponse struct {
	Checkpoints []state.Checkpoint  `json:"checkpoints"`
	Reports     []model.BatchReport `json:"reports"`
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", zap.Int("port", s.port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.store.List(r.Context())
	if err != nil {
		s.log.Error("list checkpoints", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "checkpoint store unavailable"})
		return
	}

	resp := statusResponse{Checkpoints: checkpoints}
	if s.source != nil {
		resp.Reports = s.source.Reports()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
