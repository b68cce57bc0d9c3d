package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cronrelay/internal/api/request"
	"cronrelay/internal/api/response"
	"cronrelay/internal/auth"
	"cronrelay/internal/domain"
	"cronrelay/internal/scheduler"
)

type ownerRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Plan  string `json:"plan"`
}

func (s *Server) adminCreateOwner(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := request.Decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tier := domain.TierFree
	if req.Plan != "" {
		t, err := domain.ParseTier(req.Plan)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		tier = t
	}
	owner, err := s.deps.Store.CreateOwner(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)), tier)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, owner)
}

func (s *Server) adminGetOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := s.deps.Store.GetOwner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, owner)
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// adminIssueSession stands in for the dashboard login: it issues a session
// for an existing owner and sets the session cookie.
func (s *Server) adminIssueSession(w http.ResponseWriter, r *http.Request) {
	owner, err := s.deps.Store.GetOwner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token, expiresAt, err := s.deps.Sessions.Issue(r.Context(), owner.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	response.WriteJSON(w, http.StatusCreated, sessionResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) adminSimulatePlan(w http.ResponseWriter, r *http.Request) {
	s.previewPlan(w, r, chi.URLParam(r, "id"))
}

func (s *Server) adminChangePlan(w http.ResponseWriter, r *http.Request) {
	s.commitPlan(w, r, chi.URLParam(r, "id"))
}

// adminDispatch runs one dispatch pass, for deployments that drive it from
// an external cron instead of the built-in ticker.
func (s *Server) adminDispatch(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Dispatcher.DispatchDueJobs(r.Context(), time.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, sum)
}

func (s *Server) adminPurge(w http.ResponseWriter, r *http.Request) {
	n, err := scheduler.PurgeExpiredLogs(r.Context(), s.deps.Store, time.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]int64{"removed": n})
}
