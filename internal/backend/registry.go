package backend

import (
	"errors"
	"sort"
	"sync"
	"time"

	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/model"
	"github.com/promptloom/promptloom-go/internal/schema"
)

// MaxBackendsPerCaller bounds the registrations a single caller may hold.
const MaxBackendsPerCaller = 20

// Registry holds the custom backends each caller has registered.
type Registry struct {
	mu        sync.RWMutex
	byCaller  map[string]map[string]model.CustomBackend
	validator *schema.Validator
	now       func() time.Time
}

// NewRegistry creates an empty registry validating registrations with v.
func NewRegistry(v *schema.Validator) *Registry {
	return &Registry{
		byCaller:  make(map[string]map[string]model.CustomBackend),
		validator: v,
		now:       time.Now,
	}
}

// Register adds or replaces a backend for ownerID.
func (r *Registry) Register(ownerID string, req model.RegisterBackendRequest) (model.CustomBackend, error) {
	if ownerID == "" {
		return model.CustomBackend{}, errordefs.New(errordefs.PL_AUTHN, "a caller identity is required to register backends", "")
	}
	if err := r.validator.Validate(schema.BackendRegistration, req); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return model.CustomBackend{}, errordefs.NewWithDetails(errordefs.PL_SCHEMA, "invalid backend registration", "", verr.Issues)
		}
		return model.CustomBackend{}, errordefs.Wrap(errordefs.PL_INTERNAL, "validate backend registration", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	owned := r.byCaller[ownerID]
	if owned == nil {
		owned = make(map[string]model.CustomBackend)
		r.byCaller[ownerID] = owned
	}
	if _, exists := owned[req.Name]; !exists && len(owned) >= MaxBackendsPerCaller {
		return model.CustomBackend{}, errordefs.New(errordefs.PL_CONFLICT, "backend registration limit reached", "")
	}

	cb := model.CustomBackend{
		Name:      req.Name,
		Endpoint:  req.Endpoint,
		APIKey:    req.APIKey,
		HasKey:    req.APIKey != "",
		OwnerID:   ownerID,
		CreatedAt: r.now().UTC(),
	}
	owned[req.Name] = cb
	return cb, nil
}

// Lookup returns ownerID's backend called name.
func (r *Registry) Lookup(ownerID, name string) (model.CustomBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.byCaller[ownerID][name]
	return cb, ok
}

// List returns ownerID's backends sorted by name.
func (r *Registry) List(ownerID string) []model.CustomBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.CustomBackend, 0, len(r.byCaller[ownerID]))
	for _, cb := range r.byCaller[ownerID] {
		out = append(out, cb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove deletes ownerID's backend called name.
func (r *Registry) Remove(ownerID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byCaller[ownerID][name]; !ok {
		return errordefs.New(errordefs.PL_NOT_FOUND, "backend not registered", "")
	}
	delete(r.byCaller[ownerID], name)
	return nil
}
