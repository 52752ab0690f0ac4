package server

import (
	"encoding/json"
	"errors"
	"net/http"

	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/model"
)

// backendsView lists the built-in models next to the caller's registrations.
type backendsView struct {
	BuiltIn map[string][]string   `json:"builtIn"`
	Custom  []model.CustomBackend `json:"custom"`
}

// handleRegisterBackend handles POST /v1/backends
func (m *Mux) handleRegisterBackend(w http.ResponseWriter, r *http.Request) {
	caller, ok := m.requireCaller(w, r)
	if !ok {
		return
	}
	// field rules live in the registration JSON schema
	var req model.RegisterBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			m.fail(w, r, errordefs.New(errordefs.PL_TOO_LARGE, "request body too large", ""))
			return
		}
		m.fail(w, r, errordefs.Wrap(errordefs.PL_BAD_REQUEST, "invalid JSON", err))
		return
	}
	cb, err := m.deps.Registry.Register(caller, req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.logger.Info("custom backend registered", "caller", caller, "name", cb.Name)
	m.writeSuccess(w, http.StatusCreated, cb)
}

// handleListBackends handles GET /v1/backends
func (m *Mux) handleListBackends(w http.ResponseWriter, r *http.Request) {
	view := backendsView{Custom: []model.CustomBackend{}}
	if m.deps.Router != nil {
		view.BuiltIn = m.deps.Router.Models()
	}
	if caller := callerFrom(r.Context()); caller != "" {
		view.Custom = m.deps.Registry.List(caller)
	}
	m.writeSuccess(w, http.StatusOK, view)
}

// handleRemoveBackend handles DELETE /v1/backends/{name}
func (m *Mux) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	caller, ok := m.requireCaller(w, r)
	if !ok {
		return
	}
	if err := m.deps.Registry.Remove(caller, r.PathValue("name")); err != nil {
		m.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
