package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cronrelay/internal/api/response"
	"cronrelay/internal/auth"
	"cronrelay/internal/dispatch"
	"cronrelay/internal/domain"
	"cronrelay/internal/jobs"
	"cronrelay/internal/keys"
	"cronrelay/internal/metrics"
	"cronrelay/internal/planchange"
	"cronrelay/internal/quota"
	"cronrelay/internal/scheduler"
	"cronrelay/internal/usage"
)

// Store is what the HTTP layer reads directly, outside the services.
type Store interface {
	Ping(ctx context.Context) error
	GetOwner(ctx context.Context, id string) (domain.Owner, error)
	CreateOwner(ctx context.Context, email string, tier domain.Tier) (domain.Owner, error)
	scheduler.LogPurger
}

type Deps struct {
	Store      Store
	Verifier   *auth.Verifier
	Sessions   *auth.Sessions
	Guard      *quota.Guard
	Ledger     *usage.Ledger
	Jobs       *jobs.Service
	Keys       *keys.Service
	Plans      *planchange.Orchestrator
	Dispatcher *dispatch.Dispatcher
	// AdminToken enables the /admin routes. Empty disables them.
	AdminToken string
	RateLimit  rate.Limit
	RateBurst  int
	Logger     zerolog.Logger
}

type Server struct {
	r        *chi.Mux
	deps     Deps
	limiters *ownerLimiters
	log      zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	s := &Server{
		r:        r,
		deps:     d,
		limiters: newOwnerLimiters(d.RateLimit, d.RateBurst),
		log:      d.Logger.With().Str("component", "api").Logger(),
	}
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer, metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/plans", s.listPlans)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.With(s.allow(domain.ScopeReadJobs)).Get("/jobs", s.listJobs)
		r.With(s.allow(domain.ScopeWriteJobs)).Post("/jobs", s.createJob)
		r.With(s.allow(domain.ScopeWriteJobs)).Post("/jobs/batch", s.createJobBatch)
		r.With(s.allow(domain.ScopeReadJobs)).Get("/jobs/{id}", s.getJob)
		r.With(s.allow(domain.ScopeWriteJobs)).Patch("/jobs/{id}", s.updateJob)
		r.With(s.allow(domain.ScopeWriteJobs)).Delete("/jobs/{id}", s.deleteJob)
		r.With(s.allow(domain.ScopeWriteJobs)).Post("/jobs/{id}/run", s.runJob)
		r.With(s.allow(domain.ScopeReadLogs)).Get("/jobs/{id}/executions", s.listJobExecutions)
		r.With(s.allow(domain.ScopeWriteLogs)).Delete("/jobs/{id}/executions", s.clearJobExecutions)
		r.With(s.allow(domain.ScopeReadLogs)).Get("/executions", s.listExecutions)
		r.With(s.allow(domain.ScopeWriteLogs)).Delete("/executions", s.clearExecutions)

		r.With(s.allow(domain.ScopeReadKeys)).Get("/keys", s.listKeys)
		r.With(s.allow(domain.ScopeWriteKeys)).Post("/keys", s.createKey)
		r.With(s.allow(domain.ScopeReadKeys)).Get("/keys/{id}", s.getKey)
		r.With(s.allow(domain.ScopeWriteKeys)).Patch("/keys/{id}", s.updateKey)
		r.With(s.allow(domain.ScopeWriteKeys)).Delete("/keys/{id}", s.deleteKey)

		r.With(s.allow("")).Get("/usage", s.usageSummary)
		r.With(s.allow("")).Get("/plan/simulate", s.simulatePlan)
		r.With(s.allow(""), requireSession).Post("/plan", s.changePlan)
	})

	if d.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin(d.AdminToken))
			r.Post("/owners", s.adminCreateOwner)
			r.Get("/owners/{id}", s.adminGetOwner)
			r.Post("/owners/{id}/sessions", s.adminIssueSession)
			r.Get("/owners/{id}/plan/simulate", s.adminSimulatePlan)
			r.Post("/owners/{id}/plan", s.adminChangePlan)
			r.Post("/dispatch", s.adminDispatch)
			r.Post("/retention/purge", s.adminPurge)
		})
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		response.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// fail writes err using the request-scoped logger.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	response.WriteDomainError(w, *zerolog.Ctx(r.Context()), err)
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}
