// Package conformance drives the end-to-end generation and gallery scenarios
// against an in-process promptloom server wired to a fake image backend.
package conformance

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptloom/promptloom-go/internal/backend"
	"github.com/promptloom/promptloom-go/internal/gallery"
	"github.com/promptloom/promptloom-go/internal/generation"
	"github.com/promptloom/promptloom-go/internal/model"
	"github.com/promptloom/promptloom-go/internal/normalize"
	"github.com/promptloom/promptloom-go/internal/prompt"
	"github.com/promptloom/promptloom-go/internal/schema"
	"github.com/promptloom/promptloom-go/internal/server"
	"github.com/promptloom/promptloom-go/internal/storage"
)

// PNGBase64 is a 1x1 PNG.
const PNGBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// Config holds configuration for the conformance harness.
type Config struct {
	// Capacity is the gallery capacity. Defaults to 100.
	Capacity int
	// Store overrides the in-memory gallery store, e.g. with PostgreSQL.
	Store storage.Store
	// StrictRetry treats 4xx other than 408/429 as permanent.
	StrictRetry bool
}

// Harness is a running server plus the fake backend it talks to.
type Harness struct {
	server  *httptest.Server
	backend *httptest.Server
	store   storage.Store
	cfg     Config

	handler atomic.Pointer[http.HandlerFunc]
	mu      sync.Mutex
	calls   map[string]int // image index -> backend calls
}

// NewHarness starts a server and a fake backend serving PNG bytes.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	store := cfg.Store
	if store == nil {
		store = storage.NewMemory()
	}
	h := &Harness{store: store, cfg: cfg, calls: make(map[string]int)}
	h.SetBackend(PNGHandler)
	h.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.calls[ImageIndex(r)]++
		h.mu.Unlock()
		(*h.handler.Load())(w, r)
	}))

	validator, err := schema.NewValidator()
	if err != nil {
		h.backend.Close()
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}
	registry := backend.NewRegistry(validator)
	router := backend.NewRouter(backend.Options{
		QualityURL:    h.backend.URL + "/generate",
		QualityModels: []string{"flux-pro", "flux-realism"},
		SeededURL:     h.backend.URL + "/prompt",
		SeededModels:  []string{"flux", "turbo"},
	}, registry)
	orchestrator := generation.New(
		prompt.NewComposer(1800),
		router,
		normalize.New(normalize.NewHTTPFetcher(5*time.Second, 10<<20), 10<<20),
		h.backend.Client(),
		generation.Options{
			MaxAttempts:   3,
			BaseTimeout:   5 * time.Second,
			BackoffUnit:   time.Millisecond,
			Stagger:       time.Millisecond,
			StrictRetry:   cfg.StrictRetry,
			MaxImageBytes: 10 << 20,
			MaxImages:     4,
		},
		nil, nil,
	)
	svc := gallery.NewService(store, nil, nil, gallery.Options{
		Capacity:      cfg.Capacity,
		MaxImageBytes: 10 << 20,
	}, nil, nil)

	h.server = httptest.NewServer(server.NewMux(server.Deps{
		Orchestrator: orchestrator,
		Gates:        generation.NewGates(time.Minute),
		Registry:     registry,
		Router:       router,
		Gallery:      svc,
	}))
	return h, nil
}

// URL returns the base URL of the server under test.
func (h *Harness) URL() string { return h.server.URL }

// BackendURL returns the base URL of the fake image backend.
func (h *Harness) BackendURL() string { return h.backend.URL }

// Close shuts down both servers.
func (h *Harness) Close() {
	h.server.Close()
	h.backend.Close()
	h.store.Close()
}

// SetBackend replaces the fake backend's behavior and resets call counts.
func (h *Harness) SetBackend(fn http.HandlerFunc) {
	h.mu.Lock()
	h.calls = make(map[string]int)
	h.mu.Unlock()
	h.handler.Store(&fn)
}

// Calls returns how often the backend was called for image index.
func (h *Harness) Calls(index int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[fmt.Sprint(index)]
}

func mustPNG() []byte {
	b, err := base64.StdEncoding.DecodeString(PNGBase64)
	if err != nil {
		panic(err)
	}
	return b
}

// PNGHandler answers every request with PNG bytes.
func PNGHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(mustPNG())
}

// ImageIndex extracts the image index from the request id header.
func ImageIndex(r *http.Request) string {
	id := r.Header.Get(generation.RequestIDHeader)
	return id[strings.LastIndex(id, "-")+1:]
}

// SeedGallery inserts n approved records with strictly increasing creation
// times and returns their ids, oldest first.
func (h *Harness) SeedGallery(ctx context.Context, n int) ([]string, error) {
	base := time.Now().Add(-time.Duration(n+1) * time.Minute).UTC()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rec := model.GalleryRecord{
			ID:        fmt.Sprintf("seed-%04d", i),
			Prompt:    fmt.Sprintf("seeded %d", i),
			Backend:   "flux",
			Width:     64,
			Height:    64,
			MimeType:  "image/png",
			ImageData: mustPNG(),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := h.store.InsertBounded(ctx, rec, h.cfg.Capacity); err != nil {
			return nil, err
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// Envelope is the response body of every JSON endpoint.
type Envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string      `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details"`
	} `json:"error"`
}

// Do sends a JSON request as caller and decodes the envelope.
func (h *Harness) Do(t *testing.T, method, path, caller string, body interface{}) (int, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.URL()+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(server.CallerHeader, caller)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env Envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

// RunConformanceTests runs every scenario in order. Later gallery scenarios
// build on the state earlier ones leave, so the harness must be fresh.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("SharedImageBelowCapacity", h.testSharedImageBelowCapacity)
	t.Run("InsertAtCapacityEvictsOldest", h.testInsertAtCapacityEvictsOldest)
	t.Run("PartialBatch", h.testPartialBatch)
	t.Run("CustomBackendNestedBase64", h.testCustomBackendNestedBase64)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func (h *Harness) approvedCount(t *testing.T) int {
	t.Helper()
	n, err := h.store.CountApproved(context.Background())
	require.NoError(t, err)
	return n
}

// A shared image arriving when the gallery is one short of capacity is stored
// without evicting anything.
func (h *Harness) testSharedImageBelowCapacity(t *testing.T) {
	h.SetBackend(PNGHandler)
	_, err := h.SeedGallery(context.Background(), h.cfg.Capacity-1)
	require.NoError(t, err)

	status, env := h.Do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{
		Prompt:         "a red fox",
		Modifiers:      model.Modifiers{ArtStyle: "anime"},
		Backend:        "flux",
		Count:          1,
		ShareToGallery: true,
	})
	require.Equal(t, http.StatusOK, status)
	var resp model.GenerateResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Len(t, resp.Items, 1)
	require.NotNil(t, resp.Items[0].Gallery)
	assert.Nil(t, resp.Items[0].Gallery.Error)
	assert.Zero(t, resp.Items[0].Gallery.Evicted)
	assert.Equal(t, "a red fox, anime style", resp.Summary.Prompt.Text)
	assert.Equal(t, h.cfg.Capacity, h.approvedCount(t))
}

// With the gallery full, one insert deletes exactly the oldest record.
func (h *Harness) testInsertAtCapacityEvictsOldest(t *testing.T) {
	page := h.list(t)
	require.Equal(t, h.cfg.Capacity, page.Total)
	const oldest = "seed-0000"
	if page.Total == len(page.Records) {
		require.Equal(t, oldest, page.Records[len(page.Records)-1].ID)
	}

	status, env := h.Do(t, http.MethodPost, "/v1/gallery", "bob", model.GalleryWriteRequest{
		Prompt: "a blue heron", Backend: "flux", Width: 64, Height: 64, ImageData: PNGBase64,
	})
	require.Equal(t, http.StatusCreated, status)
	var res model.GalleryWriteResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, []string{oldest}, res.Evicted)
	assert.Equal(t, h.cfg.Capacity, h.approvedCount(t))

	status, _ = h.Do(t, http.MethodGet, "/v1/gallery/"+oldest, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func (h *Harness) list(t *testing.T) model.GalleryPage {
	t.Helper()
	status, env := h.Do(t, http.MethodGet, "/v1/gallery?limit=100", "", nil)
	require.Equal(t, http.StatusOK, status)
	var page model.GalleryPage
	require.NoError(t, json.Unmarshal(env.Data, &page))
	return page
}

// Images 1 and 3 fail every attempt; the batch still succeeds partially.
func (h *Harness) testPartialBatch(t *testing.T) {
	h.SetBackend(func(w http.ResponseWriter, r *http.Request) {
		switch ImageIndex(r) {
		case "1", "3":
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
		default:
			PNGHandler(w, r)
		}
	})

	status, env := h.Do(t, http.MethodPost, "/v1/generate", "carol", model.GenerationRequest{
		Prompt: "a lighthouse at dusk", Backend: "flux-pro", Count: 4,
	})
	require.Equal(t, http.StatusOK, status)
	var resp model.GenerateResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))

	assert.Equal(t, 2, resp.Summary.Succeeded)
	assert.Equal(t, model.OutcomePartial, resp.Summary.Outcome)
	assert.Equal(t, map[int]string{1: "PL_HTTP_STATUS", 3: "PL_HTTP_STATUS"}, resp.Summary.Failed)
	require.Len(t, resp.Items, 4)
	for _, item := range resp.Items {
		switch item.Index {
		case 0, 2:
			assert.NotNil(t, item.Asset)
			assert.Equal(t, 1, h.Calls(item.Index))
		default:
			require.NotNil(t, item.Error)
			assert.Equal(t, 3, item.Error.Attempts)
			assert.Equal(t, 3, h.Calls(item.Index))
		}
	}
}

// A custom backend answering {"data":{"image":<base64>}} yields a PNG asset.
func (h *Harness) testCustomBackendNestedBase64(t *testing.T) {
	h.SetBackend(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"data":{"image":%q}}`, PNGBase64)
	})

	status, _ := h.Do(t, http.MethodPost, "/v1/backends", "dave", model.RegisterBackendRequest{
		Name: "my-gen", Endpoint: h.BackendURL() + "/custom", APIKey: "secret",
	})
	require.Equal(t, http.StatusCreated, status)

	status, env := h.Do(t, http.MethodPost, "/v1/generate", "dave", model.GenerationRequest{
		Prompt: "a paper crane", Backend: "my-gen", Count: 1,
	})
	require.Equal(t, http.StatusOK, status)
	var resp model.GenerateResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Len(t, resp.Items, 1)
	require.NotNil(t, resp.Items[0].Asset)
	assert.Equal(t, "image/png", resp.Items[0].Asset.MimeType)
	assert.Equal(t, mustPNG(), resp.Items[0].Asset.Data)

	// the registration is private to its owner
	status, env = h.Do(t, http.MethodPost, "/v1/generate", "erin", model.GenerationRequest{
		Prompt: "a paper crane", Backend: "my-gen", Count: 1,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PL_UNKNOWN_BACKEND", env.Error.Code)
}
