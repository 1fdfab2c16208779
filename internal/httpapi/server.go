package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/antipassback/internal/apb/service"
	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/types"
)

type Dependencies struct {
	Logger        *zap.Logger
	Addr          string
	AccessService *service.AccessService
	Reports       *service.ReportService
	Resetter      *service.ResetScheduler
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Location interprets date-only query parameters.
	Location *time.Location
	// ResetRateLimit caps POST /v1/reset per client IP per minute; 0 disables.
	ResetRateLimit int
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	router     chi.Router
	access     *service.AccessService
	reports    *service.ReportService
	resetter   *service.ResetScheduler
	loc        *time.Location
}

func NewServer(d Dependencies) *Server {
	r := chi.NewRouter()

	s := &Server{
		logger:   d.Logger,
		router:   r,
		access:   d.AccessService,
		reports:  d.Reports,
		resetter: d.Resetter,
		loc:      d.Location,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(d.Logger))

	r.Post("/v1/events", s.handleEvent)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/violations", s.handleViolations)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/users/{userID}/history", s.handleHistory)
	r.Group(func(r chi.Router) {
		if d.ResetRateLimit > 0 {
			r.Use(httprate.Limit(
				d.ResetRateLimit,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusTooManyRequests, "rate_limited", "manual reset rate limit exceeded")
				}),
			))
		}
		r.Post("/v1/reset", s.handleReset)
	})
	r.Get("/healthz", s.handleHealth)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	useProto := isProtobuf(r)

	var (
		ev  types.AccessEvent
		err error
	)
	if useProto {
		ev, err = readProtoEvent(r)
	} else {
		ev, err = readJSONEvent(r)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	resp, err := s.access.Process(r.Context(), ev)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidUserID):
			writeError(w, http.StatusBadRequest, "invalid_user_id", err.Error())
		case errors.Is(err, service.ErrInvalidTerminalID):
			writeError(w, http.StatusBadRequest, "invalid_terminal_id", err.Error())
		case errors.Is(err, service.ErrUnknownTerminal):
			// Unknown terminals never reach the engine.
			writeError(w, http.StatusForbidden, "unknown_terminal", err.Error())
		case errors.Is(err, store.ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "location store unavailable, access denied")
		default:
			s.logger.Error("event error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}

	status := http.StatusOK
	if resp.Ignored {
		status = http.StatusAccepted
	}
	if useProto {
		writeProtoResponse(w, status, resp)
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.reports.Status(r.Context())
	if err != nil {
		s.internalError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_query", err.Error())
		return
	}
	recs, err := s.reports.Violations(r.Context(), f)
	if err != nil {
		s.internalError(w, "violations", err)
		return
	}
	if recs == nil {
		recs = []types.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(recs),
		"violations": recs,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_query", err.Error())
		return
	}
	st, err := s.reports.Stats(r.Context(), f)
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	recs, err := s.reports.History(r.Context(), userID)
	if err != nil {
		s.internalError(w, "history", err)
		return
	}
	if recs == nil {
		recs = []types.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"records": recs,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.resetter.ResetNow(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
		s.internalError(w, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"users_reset": n,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.reports.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
}
