// Package integration exercises caller identity derived from bearer tokens
// across the HTTP layer, the gallery and the custom backend registry.
package integration

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptloom/promptloom-go/internal/backend"
	"github.com/promptloom/promptloom-go/internal/gallery"
	"github.com/promptloom/promptloom-go/internal/generation"
	"github.com/promptloom/promptloom-go/internal/jwks"
	"github.com/promptloom/promptloom-go/internal/model"
	"github.com/promptloom/promptloom-go/internal/normalize"
	"github.com/promptloom/promptloom-go/internal/prompt"
	"github.com/promptloom/promptloom-go/internal/schema"
	"github.com/promptloom/promptloom-go/internal/server"
	"github.com/promptloom/promptloom-go/internal/storage"
)

const (
	issuer   = "https://id.promptloom.test"
	audience = "promptloom"
	pngB64   = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
)

type identityEnv struct {
	srv *httptest.Server
	key ed25519.PrivateKey
}

func newIdentityEnv(t *testing.T) *identityEnv {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keys := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{{
			Kty: "OKP", Kid: "k1", Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	t.Cleanup(keys.Close)

	v, err := schema.NewValidator()
	require.NoError(t, err)
	reg := backend.NewRegistry(v)
	router := backend.NewRouter(backend.Options{SeededURL: "http://127.0.0.1:1/unused", SeededModels: []string{"flux"}}, reg)
	orch := generation.New(prompt.NewComposer(1800), router, normalize.New(nil, 1<<20), http.DefaultClient, generation.Options{}, nil, nil)
	svc := gallery.NewService(storage.NewMemory(), nil, nil, gallery.Options{
		Capacity: 10, MaxImageBytes: 1 << 20, Moderators: []string{"moderator-1"},
	}, nil, nil)

	srv := httptest.NewServer(server.NewMux(server.Deps{
		Orchestrator: orch,
		Gates:        generation.NewGates(time.Minute),
		Registry:     reg,
		Router:       router,
		Gallery:      svc,
		JWKS:         jwks.NewClient(keys.URL),
		JWTIssuer:    issuer,
		JWTAudience:  audience,
	}))
	t.Cleanup(srv.Close)
	return &identityEnv{srv: srv, key: priv}
}

func (e *identityEnv) token(t *testing.T, subject string, key ed25519.PrivateKey) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func (e *identityEnv) do(t *testing.T, method, path string, headers map[string]string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]json.RawMessage{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func bearer(tok string) map[string]string { return map[string]string{"Authorization": "Bearer " + tok} }

func galleryWrite() model.GalleryWriteRequest {
	return model.GalleryWriteRequest{Prompt: "a fox", Backend: "flux", Width: 64, Height: 64, ImageData: pngB64}
}

func TestGalleryWriteAttributedToTokenSubject(t *testing.T) {
	env := newIdentityEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/gallery", bearer(env.token(t, "user-1", env.key)), galleryWrite())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res model.GalleryWriteResult
	require.NoError(t, json.Unmarshal(body["data"], &res))
	assert.Equal(t, "user-1", res.Record.CallerID)

	// the header is not trusted once bearer identity is configured
	resp, _ = env.do(t, http.MethodDelete, "/v1/gallery/"+res.Record.ID, map[string]string{server.CallerHeader: "user-1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/v1/gallery/"+res.Record.ID, bearer(env.token(t, "user-2", env.key)), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/v1/gallery/"+res.Record.ID, bearer(env.token(t, "user-1", env.key)), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestInvalidTokensAreRejected(t *testing.T) {
	env := newIdentityEnv(t)
	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	for name, headers := range map[string]map[string]string{
		"wrong key":  bearer(env.token(t, "user-1", otherKey)),
		"garbage":    bearer("not.a.jwt"),
		"not bearer": {"Authorization": "Basic dXNlcjpwYXNz"},
	} {
		resp, body := env.do(t, http.MethodPost, "/v1/gallery", headers, galleryWrite())
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
		assert.Contains(t, string(body["error"]), "PL_", name)
	}
}

func TestModerationUsesTokenSubject(t *testing.T) {
	env := newIdentityEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/gallery", nil, galleryWrite())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res model.GalleryWriteResult
	require.NoError(t, json.Unmarshal(body["data"], &res))
	assert.Empty(t, res.Record.CallerID)

	path := "/v1/gallery/" + res.Record.ID + "/moderation"
	resp, _ = env.do(t, http.MethodPost, path, bearer(env.token(t, "user-1", env.key)), model.ModerationRequest{Status: "rejected"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, path, bearer(env.token(t, "moderator-1", env.key)), model.ModerationRequest{Status: "rejected"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/gallery/"+res.Record.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackendRegistrationScopedToSubject(t *testing.T) {
	env := newIdentityEnv(t)
	reg := model.RegisterBackendRequest{Name: "studio", Endpoint: "https://studio.example/api"}

	resp, _ := env.do(t, http.MethodPost, "/v1/backends", nil, reg)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/backends", bearer(env.token(t, "user-1", env.key)), reg)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/v1/backends", bearer(env.token(t, "user-2", env.key)), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Custom []model.CustomBackend `json:"custom"`
	}
	require.NoError(t, json.Unmarshal(body["data"], &view))
	assert.Empty(t, view.Custom)
}
