package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"cronrelay/internal/api/request"
	"cronrelay/internal/api/response"
	"cronrelay/internal/jobs"
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Jobs.List(r.Context(), principal(r).OwnerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var in jobs.Input
	if err := request.DecodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.deps.Jobs.Create(r.Context(), principal(r).OwnerID, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, job)
}

type batchRequest struct {
	Jobs []jobs.Input `json:"jobs"`
}

func (s *Server) createJobBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := request.DecodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	created, err := s.deps.Jobs.CreateBatch(r.Context(), principal(r).OwnerID, req.Jobs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, map[string]any{"jobs": created})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), principal(r).OwnerID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var p jobs.Patch
	if err := request.DecodeJSON(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.deps.Jobs.Update(r.Context(), principal(r).OwnerID, chi.URLParam(r, "id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Jobs.Delete(r.Context(), principal(r).OwnerID, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runJob executes a job immediately and returns its execution record. The
// call is bounded by the dispatcher's request timeout.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Jobs.Execute(r.Context(), principal(r).OwnerID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) listJobExecutions(w http.ResponseWriter, r *http.Request) {
	s.writeExecutions(w, r, chi.URLParam(r, "id"))
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	s.writeExecutions(w, r, "")
}

func (s *Server) writeExecutions(w http.ResponseWriter, r *http.Request, jobID string) {
	limit, err := request.Limit(r, 50, 200)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.deps.Jobs.Executions(r.Context(), principal(r).OwnerID, jobID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

func (s *Server) clearJobExecutions(w http.ResponseWriter, r *http.Request) {
	s.deleteExecutions(w, r, chi.URLParam(r, "id"))
}

func (s *Server) clearExecutions(w http.ResponseWriter, r *http.Request) {
	s.deleteExecutions(w, r, "")
}

func (s *Server) deleteExecutions(w http.ResponseWriter, r *http.Request, jobID string) {
	n, err := s.deps.Jobs.ClearExecutions(r.Context(), principal(r).OwnerID, jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]int64{"removed": n})
}
