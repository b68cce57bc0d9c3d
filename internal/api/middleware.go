package api

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cronrelay/internal/api/response"
	"cronrelay/internal/auth"
	"cronrelay/internal/domain"
)

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLogger := logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			reqLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// authenticate resolves the caller and, for API keys, applies the daily
// API-call quota and the per-owner burst limit.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.deps.Verifier.Verify(r.Context(), r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if p.Kind == auth.KindAPIKey {
			dec, err := s.deps.Guard.Check(r.Context(), domain.QuotaAPICalls, p.OwnerID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			if !dec.Allowed {
				s.fail(w, r, dec.Err())
				return
			}
			if !s.limiters.allow(p.OwnerID) {
				response.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		ctx := auth.WithPrincipal(r.Context(), p)
		logger := zerolog.Ctx(ctx).With().Str("owner_id", p.OwnerID).Str("auth", p.Kind.String()).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

// allow requires scope (none when empty) and then counts the request as an
// API call. Rejected requests are not counted.
func (s *Server) allow(scope domain.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principal(r)
			if scope != "" && !p.HasScope(scope) {
				response.WriteError(w, http.StatusForbidden, "insufficient scope: requires "+string(scope))
				return
			}
			s.deps.Verifier.RecordUse(p, r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal(r).Kind != auth.KindSession {
			response.WriteError(w, http.StatusForbidden, "this action requires a dashboard session")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireAdmin(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("X-Admin-Token"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				response.WriteError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ownerLimiters keeps one token bucket per owner.
type ownerLimiters struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func newOwnerLimiters(limit rate.Limit, burst int) *ownerLimiters {
	return &ownerLimiters{m: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (o *ownerLimiters) allow(ownerID string) bool {
	if o.limit <= 0 {
		return true
	}
	o.mu.Lock()
	l, ok := o.m[ownerID]
	if !ok {
		l = rate.NewLimiter(o.limit, o.burst)
		o.m[ownerID] = l
	}
	o.mu.Unlock()
	return l.Allow()
}
