package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"cronrelay/internal/api/request"
	"cronrelay/internal/api/response"
	"cronrelay/internal/keys"
)

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Keys.List(r.Context(), principal(r).OwnerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"keys": list})
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var in keys.Input
	if err := request.Decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	created, err := s.deps.Keys.Create(r.Context(), principal(r).OwnerID, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Keys.Get(r.Context(), principal(r).OwnerID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, key)
}

func (s *Server) updateKey(w http.ResponseWriter, r *http.Request) {
	var p keys.Patch
	if err := request.Decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	key, err := s.deps.Keys.Update(r.Context(), principal(r).OwnerID, chi.URLParam(r, "id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, key)
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Keys.Delete(r.Context(), principal(r).OwnerID, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
