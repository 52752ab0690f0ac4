// Package backend maps backend identifiers to one of three request protocols
// and builds correctly shaped HTTP requests for them.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/model"
)

// Family identifies the request protocol of a backend.
type Family int

const (
	// FamilyQuality is a GET API with fixed guidance/strength parameters.
	FamilyQuality Family = iota + 1
	// FamilySeeded is a GET API taking an explicit seed.
	FamilySeeded
	// FamilyCustom is a caller-registered JSON POST API.
	FamilyCustom
)

func (f Family) String() string {
	switch f {
	case FamilyQuality:
		return "quality"
	case FamilySeeded:
		return "seeded"
	case FamilyCustom:
		return "custom"
	}
	return "unknown"
}

// Quality family constants.
const (
	guidance = "7.5"
	strength = "0.8"
)

// Route is a resolved backend.
type Route struct {
	Family   Family
	Backend  string // model id, or the registered name for custom backends
	Endpoint string
	APIKey   string
}

// Params are the per-image request parameters.
type Params struct {
	Width  int
	Height int
	Seed   *int64
}

// Options configures the built-in backend families.
type Options struct {
	QualityURL    string
	QualityModels []string
	SeededURL     string
	SeededModels  []string
}

// Router classifies backend identifiers and builds requests.
type Router struct {
	qualityURL string
	quality    map[string]bool
	seededURL  string
	seeded     map[string]bool
	registry   *Registry
	randSeed   func() int64
}

// NewRouter creates a router over the configured families and the caller registry.
func NewRouter(opts Options, registry *Registry) *Router {
	r := &Router{
		qualityURL: opts.QualityURL,
		quality:    make(map[string]bool, len(opts.QualityModels)),
		seededURL:  opts.SeededURL,
		seeded:     make(map[string]bool, len(opts.SeededModels)),
		registry:   registry,
		randSeed:   func() int64 { return rand.Int64N(1 << 31) },
	}
	for _, m := range opts.QualityModels {
		r.quality[m] = true
	}
	for _, m := range opts.SeededModels {
		r.seeded[m] = true
	}
	return r
}

// Resolve classifies backendID for callerID. A backend the caller registered
// shadows a built-in model of the same name. Unknown identifiers fail without
// any network activity.
func (r *Router) Resolve(callerID, backendID string) (Route, error) {
	if r.registry != nil {
		if cb, ok := r.registry.Lookup(callerID, backendID); ok {
			return Route{Family: FamilyCustom, Backend: cb.Name, Endpoint: cb.Endpoint, APIKey: cb.APIKey}, nil
		}
	}
	if r.quality[backendID] {
		return Route{Family: FamilyQuality, Backend: backendID, Endpoint: r.qualityURL}, nil
	}
	if r.seeded[backendID] {
		return Route{Family: FamilySeeded, Backend: backendID, Endpoint: r.seededURL}, nil
	}
	return Route{}, errordefs.NewWithDetails(errordefs.PL_UNKNOWN_BACKEND,
		fmt.Sprintf("unknown backend %q", backendID), "", map[string]string{"backend": backendID})
}

// Models lists the built-in model ids per family.
func (r *Router) Models() map[string][]string {
	out := map[string][]string{FamilyQuality.String(): {}, FamilySeeded.String(): {}}
	for m := range r.quality {
		out[FamilyQuality.String()] = append(out[FamilyQuality.String()], m)
	}
	for m := range r.seeded {
		out[FamilySeeded.String()] = append(out[FamilySeeded.String()], m)
	}
	for _, models := range out {
		sort.Strings(models)
	}
	return out
}

// ResolveSeed fixes the seed for one image. The seeded family always sends a
// seed, drawing a random one when the caller asked for none; other families
// pass the caller's choice through.
func (r *Router) ResolveSeed(family Family, seed *int64) *int64 {
	if seed != nil || family != FamilySeeded {
		return seed
	}
	s := r.randSeed()
	return &s
}

// BuildRequest shapes the HTTP request for route.
func (r *Router) BuildRequest(ctx context.Context, route Route, prompt model.ComposedPrompt, p Params) (*http.Request, error) {
	switch route.Family {
	case FamilyQuality:
		q := url.Values{}
		q.Set("prompt", prompt.Text)
		q.Set("model", route.Backend)
		q.Set("guidance", guidance)
		q.Set("strength", strength)
		q.Set("width", strconv.Itoa(p.Width))
		q.Set("height", strconv.Itoa(p.Height))
		return newGET(ctx, route.Endpoint, q)

	case FamilySeeded:
		q := url.Values{}
		q.Set("prompt", prompt.Text)
		q.Set("width", strconv.Itoa(p.Width))
		q.Set("height", strconv.Itoa(p.Height))
		if p.Seed != nil {
			q.Set("seed", strconv.FormatInt(*p.Seed, 10))
		}
		q.Set("model", route.Backend)
		q.Set("nologo", "true")
		return newGET(ctx, route.Endpoint, q)

	case FamilyCustom:
		body, err := json.Marshal(customBody{
			ModelID: route.Backend,
			Prompt:  prompt.Text,
			Options: customOptions{
				Width:          p.Width,
				Height:         p.Height,
				AspectRatio:    AspectRatio(p.Width, p.Height),
				Seed:           p.Seed,
				NegativePrompt: prompt.NegativePrompt,
				ArtStyle:       prompt.ArtStyle,
				Place:          prompt.Place,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("marshal custom backend body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build custom backend request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if route.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+route.APIKey)
		}
		return req, nil
	}
	return nil, fmt.Errorf("unsupported backend family %d", route.Family)
}

type customBody struct {
	ModelID string        `json:"modelId"`
	Prompt  string        `json:"prompt"`
	Options customOptions `json:"options"`
}

type customOptions struct {
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	AspectRatio    string `json:"aspect_ratio"`
	Seed           *int64 `json:"seed,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	ArtStyle       string `json:"art_style,omitempty"`
	Place          string `json:"place,omitempty"`
}

func newGET(ctx context.Context, endpoint string, q url.Values) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid backend endpoint %q: %w", endpoint, err)
	}
	existing := u.Query()
	for k, vs := range q {
		existing[k] = vs
	}
	// Encode uses '+' for spaces; backends expect percent-encoding.
	u.RawQuery = encodeQuery(existing)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Accept", "image/*")
	return req, nil
}

// AspectRatio reduces width:height to lowest terms, e.g. 1920x1080 -> "16:9".
func AspectRatio(w, h int) string {
	if w <= 0 || h <= 0 {
		return "1:1"
	}
	g := gcd(w, h)
	return fmt.Sprintf("%d:%d", w/g, h/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// encodeQuery is url.Values.Encode with spaces written as %20.
func encodeQuery(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, val := range v[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(queryEscape(k))
			b.WriteByte('=')
			b.WriteString(queryEscape(val))
		}
	}
	return b.String()
}

func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
