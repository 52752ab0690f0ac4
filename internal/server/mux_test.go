package server

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/promptloom/promptloom-go/internal/storage"
)

var pngBytes, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *errorBody      `json:"error"`
}

type testServer struct {
	handler http.Handler
	hits    *atomic.Int32
	gallery *gallery.Service
}

// newTestServer wires the full stack against a fake image backend.
func newTestServer(t *testing.T, backendHandler http.HandlerFunc, tweak func(*Deps)) *testServer {
	t.Helper()
	var hits atomic.Int32
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		backendHandler(w, r)
	}))
	t.Cleanup(fake.Close)

	v, err := schema.NewValidator()
	require.NoError(t, err)
	reg := backend.NewRegistry(v)
	router := backend.NewRouter(backend.Options{
		QualityURL:    fake.URL + "/quality",
		QualityModels: []string{"flux-pro"},
		SeededURL:     fake.URL + "/seeded",
		SeededModels:  []string{"flux"},
	}, reg)
	orch := generation.New(prompt.NewComposer(1800), router, normalize.New(nil, 1<<20), fake.Client(), generation.Options{
		MaxAttempts: 3,
		BaseTimeout: 2 * time.Second,
		BackoffUnit: time.Millisecond,
		MaxImages:   4,
	}, nil, nil)
	svc := gallery.NewService(storage.NewMemory(), nil, nil, gallery.Options{
		Capacity:      3,
		MaxImageBytes: 1 << 20,
		Moderators:    []string{"mod"},
	}, nil, nil)

	d := Deps{
		Orchestrator: orch,
		Gates:        generation.NewGates(time.Minute),
		Registry:     reg,
		Router:       router,
		Gallery:      svc,
	}
	if tweak != nil {
		tweak(&d)
	}
	return &testServer{handler: NewMux(d), hits: &hits, gallery: svc}
}

func pngBackend(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(pngBytes)
}

func (s *testServer) do(t *testing.T, method, path, caller string, body interface{}, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, dst interface{}) *errorBody {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	if env.Error != nil {
		return env.Error
	}
	if dst != nil {
		require.NoError(t, json.Unmarshal(env.Data, dst))
	}
	return nil
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		rr := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.Equal(t, "ok", rr.Body.String(), path)
	}
}

func TestGenerateReturnsItemsInIndexOrder(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)

	rr := s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{Prompt: "a red fox", Backend: "flux-pro", Count: 3})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-Id"))

	var resp model.GenerateResponse
	require.Nil(t, decodeEnvelope(t, rr, &resp))
	require.Len(t, resp.Items, 3)
	for i, item := range resp.Items {
		assert.Equal(t, i, item.Index)
		require.NotNil(t, item.Asset)
		assert.Equal(t, pngBytes, item.Asset.Data)
		assert.Equal(t, "image/png", item.Asset.MimeType)
	}
	assert.Equal(t, model.OutcomeAllSucceeded, resp.Summary.Outcome)
	assert.Empty(t, resp.Summary.Notice)
	assert.Equal(t, int32(3), s.hits.Load())
}

func TestGenerateUnknownBackendMakesNoCalls(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)

	rr := s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{Prompt: "x", Backend: "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	errBody := decodeEnvelope(t, rr, nil)
	require.NotNil(t, errBody)
	assert.Equal(t, "PL_UNKNOWN_BACKEND", errBody.Code)
	assert.Equal(t, rr.Header().Get("X-Correlation-Id"), errBody.CorrelationID)
	assert.Zero(t, s.hits.Load())
}

func TestGenerateValidation(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)

	rr := s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{Backend: "flux"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	errBody := decodeEnvelope(t, rr, nil)
	require.NotNil(t, errBody)
	assert.Equal(t, "PL_VALIDATION", errBody.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateAllFailed(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"down"}`, http.StatusInternalServerError)
	}, nil)

	rr := s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{Prompt: "x", Backend: "flux", Count: 2})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	errBody := decodeEnvelope(t, rr, nil)
	require.NotNil(t, errBody)
	assert.Equal(t, "PL_GENERATION_FAILED", errBody.Code)
	assert.Contains(t, errBody.Message, "try again")
	assert.Equal(t, int32(6), s.hits.Load())
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)

	rr := s.do(t, http.MethodPost, "/v1/generate", "alice",
		model.GenerationRequest{Prompt: strings.Repeat("long prompt words ", 200), Backend: "flux", Count: 2},
		"Accept", NDJSONContentType)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, NDJSONContentType, rr.Header().Get("Content-Type"))

	var lines []streamLine
	sc := bufio.NewScanner(rr.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var line streamLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 4)

	// trimmed prompt: the notice leads, the final summary closes
	require.NotNil(t, lines[0].Summary)
	assert.Equal(t, generation.ShortenedNotice, lines[0].Summary.Notice)
	indexes := map[int]bool{}
	for _, line := range lines[1:3] {
		require.NotNil(t, line.Item)
		indexes[line.Item.Index] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, indexes)
	last := lines[3]
	require.NotNil(t, last.Summary)
	assert.Nil(t, last.Error)
	assert.Equal(t, model.OutcomeAllSucceeded, last.Summary.Outcome)
	assert.True(t, last.Summary.Prompt.Altered)
}

func TestGenerateSessionBusy(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once atomic.Bool
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if once.CompareAndSwap(false, true) {
			close(entered)
		}
		<-unblock
		pngBackend(w, r)
	}, nil)

	done := make(chan int)
	go func() {
		rr := s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{Prompt: "x", Backend: "flux", Count: 1, SessionID: "s1"})
		done <- rr.Code
	}()
	<-entered

	rr := s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{Prompt: "y", Backend: "flux", Count: 1, SessionID: "s1"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	errBody := decodeEnvelope(t, rr, nil)
	require.NotNil(t, errBody)
	assert.Equal(t, "PL_BUSY", errBody.Code)

	close(unblock)
	assert.Equal(t, http.StatusOK, <-done)

	// the session is free again
	rr = s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{Prompt: "z", Backend: "flux", Count: 1, SessionID: "s1"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGenerateRateLimit(t *testing.T) {
	s := newTestServer(t, pngBackend, func(d *Deps) { d.Limiter = NewRateLimiter(1, 1) })

	rr := s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{Prompt: "x", Backend: "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{Prompt: "x", Backend: "nope"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// other callers have their own bucket
	rr = s.do(t, http.MethodPost, "/v1/generate", "bob", model.GenerationRequest{Prompt: "x", Backend: "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGenerateSharesToGallery(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)

	rr := s.do(t, http.MethodPost, "/v1/generate", "alice", model.GenerationRequest{
		Prompt: "a fox", Backend: "flux", Count: 2, ShareToGallery: true, Attribution: "al",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp model.GenerateResponse
	require.Nil(t, decodeEnvelope(t, rr, &resp))
	for _, item := range resp.Items {
		require.NotNil(t, item.Gallery)
		assert.NotEmpty(t, item.Gallery.RecordID)
	}

	rr = s.do(t, http.MethodGet, "/v1/gallery", "", nil)
	var page model.GalleryPage
	require.Nil(t, decodeEnvelope(t, rr, &page))
	assert.Equal(t, 2, page.Total)
}

func TestGalleryLifecycle(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)
	write := model.GalleryWriteRequest{
		Prompt: "a fox", Backend: "flux", Width: 512, Height: 512,
		ImageData: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes),
	}

	rr := s.do(t, http.MethodPost, "/v1/gallery", "alice", write)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var res model.GalleryWriteResult
	require.Nil(t, decodeEnvelope(t, rr, &res))
	id := res.Record.ID

	rr = s.do(t, http.MethodGet, "/v1/gallery/"+id+"/image", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, pngBytes, rr.Body.Bytes())

	rr = s.do(t, http.MethodPost, "/v1/gallery/"+id+"/like", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var liked struct {
		LikeCount int64 `json:"likeCount"`
	}
	require.Nil(t, decodeEnvelope(t, rr, &liked))
	assert.Equal(t, int64(1), liked.LikeCount)

	rr = s.do(t, http.MethodPost, "/v1/gallery/"+id+"/moderation", "alice", model.ModerationRequest{Status: "rejected"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = s.do(t, http.MethodPost, "/v1/gallery/"+id+"/moderation", "mod", model.ModerationRequest{Status: "hidden"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodDelete, "/v1/gallery/"+id, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = s.do(t, http.MethodDelete, "/v1/gallery/"+id, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = s.do(t, http.MethodDelete, "/v1/gallery/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, http.MethodGet, "/v1/gallery/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGalleryWriteEvictsAtCapacity(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)
	write := model.GalleryWriteRequest{
		Prompt: "p", Backend: "flux", Width: 64, Height: 64,
		ImageData: base64.StdEncoding.EncodeToString(pngBytes),
	}
	var first string
	for i := 0; i < 3; i++ {
		rr := s.do(t, http.MethodPost, "/v1/gallery", "", write)
		require.Equal(t, http.StatusCreated, rr.Code)
		var res model.GalleryWriteResult
		require.Nil(t, decodeEnvelope(t, rr, &res))
		if i == 0 {
			first = res.Record.ID
		}
		// ULIDs minted in the same millisecond still sort, but creation times may tie
		time.Sleep(2 * time.Millisecond)
	}

	rr := s.do(t, http.MethodPost, "/v1/gallery", "", write)
	require.Equal(t, http.StatusCreated, rr.Code)
	var res model.GalleryWriteResult
	require.Nil(t, decodeEnvelope(t, rr, &res))
	assert.Equal(t, []string{first}, res.Evicted)

	rr = s.do(t, http.MethodGet, "/v1/gallery?limit=2", "", nil)
	var page model.GalleryPage
	require.Nil(t, decodeEnvelope(t, rr, &page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Records, 2)
	assert.Equal(t, res.Record.ID, page.Records[0].ID)

	rr = s.do(t, http.MethodGet, "/v1/gallery?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBackendRegistration(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)
	reg := model.RegisterBackendRequest{Name: "my-gen", Endpoint: "https://gen.example/v1/images"}

	rr := s.do(t, http.MethodPost, "/v1/backends", "", reg)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/v1/backends", "alice", model.RegisterBackendRequest{Name: "Bad Name", Endpoint: "ftp://x"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodPost, "/v1/backends", "alice", reg)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/v1/backends", "alice", nil)
	var view backendsView
	require.Nil(t, decodeEnvelope(t, rr, &view))
	require.Len(t, view.Custom, 1)
	assert.Equal(t, "my-gen", view.Custom[0].Name)
	assert.Equal(t, []string{"flux-pro"}, view.BuiltIn["quality"])

	rr = s.do(t, http.MethodGet, "/v1/backends", "bob", nil)
	require.Nil(t, decodeEnvelope(t, rr, &view))
	assert.Empty(t, view.Custom)

	rr = s.do(t, http.MethodDelete, "/v1/backends/my-gen", "alice", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = s.do(t, http.MethodDelete, "/v1/backends/my-gen", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, pngBackend, nil)
	rr := s.do(t, http.MethodGet, "/v1/generate", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "POST", rr.Header().Get("Allow"))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, pngBackend, func(d *Deps) { d.CORSAllowedOrigins = []string{"https://app.example"} })

	rr := s.do(t, http.MethodOptions, "/v1/generate", "", nil, "Origin", "https://app.example")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = s.do(t, http.MethodOptions, "/v1/generate", "", nil, "Origin", "https://evil.example")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
