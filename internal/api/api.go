// Package api serves the HTTP control API for research sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/export"
	"github.com/sells-group/research-engine/internal/metrics"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/progress"
	"github.com/sells-group/research-engine/internal/session"
	"github.com/sells-group/research-engine/internal/store"
)

// Sessions is the session control surface the API drives.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (*model.ResearchSession, error)
	Get(ctx context.Context, id string) (*model.ResearchSession, error)
	List(ctx context.Context, filter store.SessionFilter) ([]model.ResearchSession, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string, hard bool) error
	Stream(ctx context.Context, id string) (<-chan progress.Progress, func())
}

// Results is the read side for exports and claim clusters.
type Results interface {
	export.Reader
	ClusterClaims(ctx context.Context, sessionID string) ([]model.ClaimCluster, error)
	Ping(ctx context.Context) error
}

// Server holds the API's dependencies.
type Server struct {
	sessions  Sessions
	results   Results
	exporter  *export.Exporter
	origins   []string
	keepAlive time.Duration
}

// NewServer creates a Server. origins configures CORS; empty allows any origin.
func NewServer(sessions Sessions, results Results, origins []string) *Server {
	return &Server{
		sessions:  sessions,
		results:   results,
		exporter:  export.New(results),
		origins:   origins,
		keepAlive: 15 * time.Second,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/pause", s.pauseSession)
			r.Post("/resume", s.resumeSession)
			r.Post("/cancel", s.cancelSession)
			r.Get("/progress", s.streamProgress)
			r.Get("/export", s.exportSession)
			r.Get("/claims/clusters", s.claimClusters)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.results.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.sessions.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/sessions/"+sess.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		Status:          model.SessionStatus(q.Get("status")),
		ParentSessionID: q.Get("parent"),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	list, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.ResearchSession{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.sessions.Pause)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.sessions.Resume)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	hard := r.URL.Query().Get("mode") == "hard"
	s.control(w, r, func(ctx context.Context, id string) error {
		return s.sessions.Cancel(ctx, id, hard)
	})
}

// control runs a lifecycle operation and answers with the session as stored
// afterwards. A running session may not have moved yet; callers watch the
// progress stream for the transition.
func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if sess.Status != model.SessionStatusActive {
		writeEvent(w, progress.Progress{
			SessionID:     sess.ID,
			Iteration:     sess.Totals.Iterations,
			Stage:         progress.StageStatus,
			FindingsCount: sess.Totals.Findings,
			SourcesCount:  sess.Totals.Sources,
			Status:        sess.Status,
			Reason:        sess.Reason,
			At:            sess.UpdatedAt,
		})
		flusher.Flush()
		return
	}

	ch, stop := s.sessions.Stream(r.Context(), id)
	defer stop()
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case p, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, p)
			flusher.Flush()
			if p.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, p progress.Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		zap.L().Warn("api: marshal progress", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", p.Stage, data)
}

func (s *Server) exportSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body, err := s.exporter.Export(r.Context(), id, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session-"+id+"."+format.Extension()))
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}

func (s *Server) claimClusters(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	clusters, err := s.results.ClusterClaims(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if clusters == nil {
		clusters = []model.ClaimCluster{}
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
