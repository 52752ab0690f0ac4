package server

import (
	"encoding/json"
	"mime"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/generation"
	"github.com/promptloom/promptloom-go/internal/model"
	"github.com/promptloom/promptloom-go/internal/telemetry"
)

// NDJSONContentType selects the streamed generation response.
const NDJSONContentType = "application/x-ndjson"

// streamLine is one line of a streamed generation response. A failed batch
// ends with a line carrying both the summary and the error.
type streamLine struct {
	Item    *model.ItemResult   `json:"item,omitempty"`
	Summary *model.BatchSummary `json:"summary,omitempty"`
	Error   *errorBody          `json:"error,omitempty"`
}

// handleGenerate handles POST /v1/generate
func (m *Mux) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer("promptloom/server").Start(r.Context(), "handleGenerate")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.GenerationRequest
	if err := m.decode(r, &req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.fail(w, r, err)
		return
	}
	req.CallerID = callerFrom(ctx)

	span.SetAttributes(
		attribute.String("backend", req.Backend),
		attribute.Int("count", req.Count),
		attribute.Bool("share", req.ShareToGallery),
	)

	if m.deps.Limiter != nil && !m.deps.Limiter.Allow(rateKey(r)) {
		m.fail(w, r, errordefs.New(errordefs.PL_RATE_LIMIT, "too many generation requests, slow down", ""))
		return
	}

	// composition and backend resolution fail before any network activity
	job, count, err := m.deps.Orchestrator.Prepare(req)
	if err != nil {
		span.SetStatus(codes.Error, "prepare failed")
		m.fail(w, r, err)
		return
	}

	release, err := m.deps.Gates.TryAcquire(generation.GateKey(req))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	defer release()

	hooks := generation.Hooks{}
	if m.deps.Gallery != nil {
		hooks.AfterFetch = m.deps.Gallery.ShareHook(req)
	}

	if wantsStream(r) {
		m.streamBatch(w, r, job, count, hooks)
		return
	}

	var items []model.ItemResult
	hooks.Emit = func(item model.ItemResult) { items = append(items, item) }
	summary, err := m.deps.Orchestrator.Execute(ctx, job, count, hooks)
	m.publishSummary(r, summary)
	if err != nil {
		span.SetStatus(codes.Error, "batch failed")
		m.fail(w, r, err)
		return
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	m.writeSuccess(w, http.StatusOK, model.GenerateResponse{Items: items, Summary: summary})
}

// streamBatch writes one NDJSON line per settled image, then the summary or
// the batch error. A client that goes away does not stop the batch.
func (m *Mux) streamBatch(w http.ResponseWriter, r *http.Request, job generation.Job, count int, hooks generation.Hooks) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", NDJSONContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	var mu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(line streamLine) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(line); err != nil {
			return
		}
		_ = rc.Flush()
	}

	if job.Prompt.Altered {
		// the notice arrives before any image so clients can show it early
		write(streamLine{Summary: &model.BatchSummary{RequestID: job.RequestID, Requested: count, Notice: noticeFor(job), Prompt: job.Prompt}})
	}

	hooks.Emit = func(item model.ItemResult) { write(streamLine{Item: &item}) }
	summary, err := m.deps.Orchestrator.Execute(r.Context(), job, count, hooks)
	m.publishSummary(r, summary)
	if err != nil {
		body := toErrorBody(asErrorDef(r, err))
		write(streamLine{Summary: &summary, Error: &body})
		return
	}
	write(streamLine{Summary: &summary})
}

func noticeFor(job generation.Job) string {
	if !job.Prompt.Altered {
		return ""
	}
	return generation.ShortenedNotice
}

func (m *Mux) publishSummary(r *http.Request, summary model.BatchSummary) {
	if summary.RequestID == "" {
		return
	}
	if err := m.pub.PublishBatchCompleted(r.Context(), summary); err != nil {
		m.logger.Warn("failed to publish batch completed event", "requestId", summary.RequestID, "error", err)
	}
}

func wantsStream(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == NDJSONContentType {
			return true
		}
	}
	return false
}

// rateKey limits identified callers by id and anonymous ones by address.
func rateKey(r *http.Request) string {
	if caller := callerFrom(r.Context()); caller != "" {
		return "caller:" + caller
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}
