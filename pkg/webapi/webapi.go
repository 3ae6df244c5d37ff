/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package webapi exposes the submission service over HTTP. Handlers stay
// thin: decode, delegate, encode.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/karbos-project/karbos/pkg/carbon"
	"github.com/karbos-project/karbos/pkg/jobs"
	"github.com/karbos-project/karbos/pkg/logging"
	"github.com/karbos-project/karbos/pkg/metrics"
	"github.com/karbos-project/karbos/pkg/queue"
	"github.com/karbos-project/karbos/pkg/store"
)

// Pinger reports dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database is the slice of the store the HTTP layer reads directly.
type Database interface {
	Pinger
	CacheStats(ctx context.Context) (*store.CacheStats, error)
}

// Server holds the handler dependencies.
type Server struct {
	service *jobs.Service
	queue   *queue.Queue
	db      Database
	breaker *carbon.Breaker
	logger  *zap.SugaredLogger
}

// NewServer wires the HTTP layer. breaker may be nil when the process runs
// without a provider.
func NewServer(service *jobs.Service, q *queue.Queue, db Database, breaker *carbon.Breaker, logger *zap.SugaredLogger) *Server {
	return &Server{service: service, queue: q, db: db, breaker: breaker, logger: logger}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{jobID}", s.getJob)
		r.Get("/jobs/{jobID}/logs", s.getJobLogs)
		r.Get("/users/{userID}/jobs", s.listUserJobs)
		r.Get("/carbon/forecast", s.getForecast)
		r.Get("/carbon/cache/stats", s.getCacheStats)
		r.Get("/queue/stats", s.getQueueStats)
		r.Get("/carbon/breaker", s.getBreaker)
		r.Post("/carbon/breaker/reset", s.resetBreaker)
	})
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := s.logger.With("requestID", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), log)))
	})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	req := &jobs.SubmitRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, r, &jobs.ValidationError{Field: "body", Msg: "malformed JSON"})
		return
	}
	resp, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if req.DryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, &jobs.ValidationError{Field: "jobID", Msg: "must be a UUID"})
		return
	}
	job, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getJobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, &jobs.ValidationError{Field: "jobID", Msg: "must be a UUID"})
		return
	}
	logs, err := s.service.Logs(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) listUserJobs(w http.ResponseWriter, r *http.Request) {
	listed, err := s.service.ListByUser(r.Context(), chi.URLParam(r, "userID"), intQuery(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listed)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	listed, err := s.service.List(r.Context(), intQuery(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listed)
}

func (s *Server) getForecast(w http.ResponseWriter, r *http.Request) {
	forecast, err := s.service.GetForecast(r.Context(), r.URL.Query().Get("region"), intQuery(r, "hours"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

func (s *Server) getCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.CacheStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	delayed, err := s.queue.DelayedQueueStats(r.Context(), time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	workers, err := s.queue.ListActiveWorkers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"immediate_depth": depth,
		"delayed":         delayed,
		"active_workers":  workers,
	})
}

func (s *Server) getBreaker(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeError(w, r, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":    s.breaker.State().String(),
		"failures": s.breaker.Failures(),
	})
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		writeError(w, r, store.ErrNotFound)
		return
	}
	s.breaker.Reset()
	logging.FromContext(r.Context()).Infow("circuit breaker reset by operator")
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": s.breaker.State().String()})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true
	for name, pinger := range map[string]Pinger{"database": s.db, "queue": s.queue} {
		if err := pinger.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

func intQuery(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	validationErr := &jobs.ValidationError{}
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrBrokerUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Errorw("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
