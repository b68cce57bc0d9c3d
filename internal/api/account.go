package api

import (
	"net/http"

	"cronrelay/internal/api/request"
	"cronrelay/internal/api/response"
	"cronrelay/internal/domain"
	"cronrelay/internal/plan"
	"cronrelay/internal/planchange"
)

type planView struct {
	Tier                 domain.Tier `json:"tier"`
	MaxJobs              int64       `json:"max_jobs"`
	MaxMonthlyExecutions int64       `json:"max_monthly_executions"`
	MinIntervalMinutes   int         `json:"min_interval_minutes"`
	MaxDailyAPICalls     int64       `json:"max_daily_api_calls"`
	MaxAPIKeys           int         `json:"max_api_keys"`
	LogRetentionDays     int         `json:"log_retention_days"`
	IncludedExecutions   int64       `json:"included_executions,omitempty"`
	OverageMicros        int64       `json:"overage_micros,omitempty"`
}

func (s *Server) listPlans(w http.ResponseWriter, _ *http.Request) {
	all := plan.All()
	out := make([]planView, 0, len(all))
	for _, l := range all {
		out = append(out, planView{
			Tier:                 l.Tier,
			MaxJobs:              l.MaxJobs,
			MaxMonthlyExecutions: l.MaxMonthlyExecutions,
			MinIntervalMinutes:   l.MinIntervalMinutes,
			MaxDailyAPICalls:     l.MaxDailyAPICalls,
			MaxAPIKeys:           plan.MaxAPIKeys,
			LogRetentionDays:     l.LogRetentionDays,
			IncludedExecutions:   l.IncludedExecutions,
			OverageMicros:        l.OverageMicros,
		})
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"plans": out})
}

func (s *Server) usageSummary(w http.ResponseWriter, r *http.Request) {
	owner, err := s.deps.Store.GetOwner(r.Context(), principal(r).OwnerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sum, err := s.deps.Ledger.Summary(r.Context(), owner.ID, owner.Plan)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, sum)
}

type planRequest struct {
	Plan string `json:"plan" validate:"required"`
}

func (s *Server) simulatePlan(w http.ResponseWriter, r *http.Request) {
	s.previewPlan(w, r, principal(r).OwnerID)
}

func (s *Server) changePlan(w http.ResponseWriter, r *http.Request) {
	s.commitPlan(w, r, principal(r).OwnerID)
}

// previewPlan reports what moving ownerID to ?plan= would evict.
func (s *Server) previewPlan(w http.ResponseWriter, r *http.Request, ownerID string) {
	tier, err := domain.ParseTier(r.URL.Query().Get("plan"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Plans.ChangePlan(r.Context(), ownerID, tier, planchange.Options{Simulate: true})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) commitPlan(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req planRequest
	if err := request.Decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tier, err := domain.ParseTier(req.Plan)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.Plans.ChangePlan(r.Context(), ownerID, tier, planchange.Options{})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}
