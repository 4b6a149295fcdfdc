// Package api serves run results over a read-only JSON HTTP interface for
// dashboards and other consumers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/report"
	"github.com/sells-group/catalog-match/internal/store"
)

// Server exposes runs, judgements and summaries.
type Server struct {
	store   store.Store
	origins []string
	log     *zap.Logger
}

// New creates a Server. An empty origins list allows any origin.
func New(st store.Store, origins []string) *Server {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{store: st, origins: origins, log: zap.L().With(zap.String("component", "api"))}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.getRun)
		r.Get("/{id}/judgements", s.listJudgements)
		r.Get("/{id}/summary", s.getSummary)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type runResponse struct {
	*model.Run
	Stages []model.RunStage `json:"stages"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stages, err := s.store.ListStages(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if stages == nil {
		stages = []model.RunStage{}
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Stages: stages})
}

func (s *Server) listJudgements(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	filter := store.JudgementFilter{}
	if v := q.Get("tier"); v != "" {
		t, err := model.ParseTier(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown tier "+strconv.Quote(v))
			return
		}
		filter.Tier = &t
	}
	if v := q.Get("min_tier"); v != "" {
		t, err := model.ParseTier(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown tier "+strconv.Quote(v))
			return
		}
		filter.MinTier = t
	}
	limit, offset, err := paging(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit, filter.Offset = limit, offset

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	js, err := s.store.ListJudgements(r.Context(), id, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if js == nil {
		js = []model.MatchJudgement{}
	}
	writeJSON(w, http.StatusOK, js)
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := s.store.GetValidationReport(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stages, err := s.store.ListStages(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report.Build(run, v, stages))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.log.Error("api: request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func paging(limit, offset string) (int, int, error) {
	var l, o int
	var err error
	if limit != "" {
		if l, err = strconv.Atoi(limit); err != nil || l < 0 {
			return 0, 0, eris.Errorf("invalid limit %q", limit)
		}
	}
	if offset != "" {
		if o, err = strconv.Atoi(offset); err != nil || o < 0 {
			return 0, 0, eris.Errorf("invalid offset %q", offset)
		}
	}
	return l, o, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
