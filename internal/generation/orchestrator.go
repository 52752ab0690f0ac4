// Package generation turns a generation request into a batch of images. Each
// image is fetched independently with escalating per-attempt timeouts and
// jittered exponential backoff; results are streamed as they settle.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/promptloom/promptloom-go/internal/backend"
	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/metrics"
	"github.com/promptloom/promptloom-go/internal/model"
	"github.com/promptloom/promptloom-go/internal/normalize"
	"github.com/promptloom/promptloom-go/internal/prompt"
	"github.com/promptloom/promptloom-go/internal/telemetry"
)

const (
	defaultWidth  = 1024
	defaultHeight = 1024

	errorBodyLimit = 64 << 10

	// RequestIDHeader carries <requestId>-<index> on every backend call.
	RequestIDHeader = "X-Request-Id"

	// ShortenedNotice is attached to batches whose prompt was trimmed.
	ShortenedNotice = "Your prompt was shortened to fit the backend's length limit; generation continued with the shorter prompt."
)

// Doer sends backend requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options tunes the retry and batching behavior.
type Options struct {
	MaxAttempts   int
	BaseTimeout   time.Duration // attempt k runs with BaseTimeout*k
	BackoffUnit   time.Duration // delay after attempt k is 2^k units plus up to one unit of jitter
	Stagger       time.Duration // image i is dispatched i*Stagger after the batch starts
	StrictRetry   bool          // treat 4xx other than 408/429 as permanent
	MaxImageBytes int64
	MaxImages     int
}

// Job is everything needed to fetch the images of one batch.
type Job struct {
	RequestID string
	Route     backend.Route
	Prompt    model.ComposedPrompt
	Width     int
	Height    int
	Seed      *int64
}

// ImageError is the final failure of one image after its attempts ran out
// or a fatal error stopped them.
type ImageError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// Hooks receive batch progress.
type Hooks struct {
	// AfterFetch runs for each successful image before it is emitted. Calls
	// may run concurrently.
	AfterFetch func(ctx context.Context, asset model.GeneratedImageAsset) *model.GalleryShare
	// Emit receives every settled item. Calls are serialized.
	Emit func(item model.ItemResult)
}

// Orchestrator runs generation batches.
type Orchestrator struct {
	composer   *prompt.Composer
	router     *backend.Router
	normalizer *normalize.Normalizer
	client     Doer
	opts       Options
	metrics    *metrics.Metrics
	logger     *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
	now    func() time.Time
}

// New creates an orchestrator. A nil logger uses slog.Default.
func New(composer *prompt.Composer, router *backend.Router, normalizer *normalize.Normalizer, client Doer, opts Options, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		composer:   composer,
		router:     router,
		normalizer: normalizer,
		client:     client,
		opts:       opts,
		metrics:    m,
		logger:     logger,
		sleep:      sleepCtx,
		jitter:     randJitter,
		now:        time.Now,
	}
}

// Prepare composes the prompt and resolves the backend without touching the
// network. Unknown backends fail here.
func (o *Orchestrator) Prepare(req model.GenerationRequest) (Job, int, error) {
	count := req.Count
	if count == 0 {
		count = o.opts.MaxImages
	}
	if count < 1 || count > o.opts.MaxImages {
		return Job{}, 0, errordefs.NewWithDetails(errordefs.PL_VALIDATION,
			fmt.Sprintf("count must be between 1 and %d", o.opts.MaxImages), "", map[string]int{"count": count})
	}

	route, err := o.router.Resolve(req.CallerID, req.Backend)
	if err != nil {
		return Job{}, 0, err
	}

	composed := o.composer.Compose(req)
	if o.metrics != nil {
		for _, step := range composed.Steps {
			o.metrics.PromptTrimTotal.WithLabelValues(string(step)).Inc()
		}
	}

	job := Job{
		RequestID: uuid.NewString(),
		Route:     route,
		Prompt:    composed,
		Width:     req.Width,
		Height:    req.Height,
		Seed:      req.Seed,
	}
	if job.Width == 0 {
		job.Width = defaultWidth
	}
	if job.Height == 0 {
		job.Height = defaultHeight
	}
	return job, count, nil
}

// Run generates the images of req. Items are handed to hooks as they settle,
// in completion order. The batch fails as a whole only when no image
// succeeded; the summary is returned either way.
//
// The caller's context does not cancel in-flight images.
func (o *Orchestrator) Run(ctx context.Context, req model.GenerationRequest, hooks Hooks) (model.BatchSummary, error) {
	job, count, err := o.Prepare(req)
	if err != nil {
		return model.BatchSummary{}, err
	}
	return o.Execute(ctx, job, count, hooks)
}

// Execute runs a prepared job of count images.
func (o *Orchestrator) Execute(ctx context.Context, job Job, count int, hooks Hooks) (model.BatchSummary, error) {
	summary := model.BatchSummary{
		RequestID: job.RequestID,
		Requested: count,
		Prompt:    job.Prompt,
	}
	if job.Prompt.Altered {
		summary.Notice = ShortenedNotice
	}

	detached := context.WithoutCancel(ctx)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if delay := time.Duration(index) * o.opts.Stagger; delay > 0 {
				_ = o.sleep(detached, delay)
			}

			item := model.ItemResult{Index: index}
			asset, err := o.FetchOne(detached, job, index)
			if err != nil {
				item.Error = itemError(err)
			} else {
				item.Asset = &asset
				if hooks.AfterFetch != nil {
					item.Gallery = hooks.AfterFetch(detached, asset)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if item.Error != nil {
				if summary.Failed == nil {
					summary.Failed = make(map[int]string)
				}
				summary.Failed[index] = item.Error.Code
			} else {
				summary.Succeeded++
			}
			if hooks.Emit != nil {
				hooks.Emit(item)
			}
		}(i)
	}
	wg.Wait()

	switch {
	case summary.Succeeded == count:
		summary.Outcome = model.OutcomeAllSucceeded
	case summary.Succeeded == 0:
		summary.Outcome = model.OutcomeAllFailed
	default:
		summary.Outcome = model.OutcomePartial
	}
	if o.metrics != nil {
		o.metrics.BatchOutcomeTotal.WithLabelValues(string(summary.Outcome)).Inc()
	}
	o.logger.Info("generation batch finished",
		slog.String("requestId", summary.RequestID),
		slog.String("backend", job.Route.Backend),
		slog.String("family", job.Route.Family.String()),
		slog.Int("requested", count),
		slog.Int("succeeded", summary.Succeeded),
		slog.String("outcome", string(summary.Outcome)),
		slog.Bool("promptAltered", job.Prompt.Altered),
	)

	if summary.Outcome == model.OutcomeAllFailed {
		return summary, errordefs.NewWithDetails(errordefs.PL_GENERATION_FAILED,
			fmt.Sprintf("all %d images failed to generate; please try again in a moment", count), "", summary.Failed)
	}
	return summary, nil
}

// FetchOne produces the image at index, retrying transient failures.
func (o *Orchestrator) FetchOne(ctx context.Context, job Job, index int) (model.GeneratedImageAsset, error) {
	seed := o.router.ResolveSeed(job.Route.Family, job.Seed)

	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		img, err := o.attempt(ctx, job, index, attempt, seed)
		if err == nil {
			return model.GeneratedImageAsset{
				ID:             job.RequestID + "-" + strconv.Itoa(index),
				Index:          index,
				Data:           img.Data,
				MimeType:       img.MimeType,
				Width:          job.Width,
				Height:         job.Height,
				Backend:        job.Route.Backend,
				Prompt:         job.Prompt.Text,
				NegativePrompt: job.Prompt.NegativePrompt,
				Seed:           seed,
				CreatedAt:      o.now().UTC(),
			}, nil
		}
		lastErr = err

		if !o.retryable(err) || attempt == o.opts.MaxAttempts {
			return model.GeneratedImageAsset{}, &ImageError{Index: index, Attempts: attempt, Err: lastErr}
		}

		delay := time.Duration(1<<attempt)*o.opts.BackoffUnit + o.jitter(o.opts.BackoffUnit)
		o.logger.Warn("backend attempt failed, retrying",
			slog.String("requestId", job.RequestID),
			slog.Int("index", index),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("code", string(errordefs.CodeOf(err))),
		)
		if err := o.sleep(ctx, delay); err != nil {
			return model.GeneratedImageAsset{}, &ImageError{Index: index, Attempts: attempt, Err: lastErr}
		}
	}
	return model.GeneratedImageAsset{}, &ImageError{Index: index, Attempts: o.opts.MaxAttempts, Err: lastErr}
}

// attempt runs one backend call under its own timer.
func (o *Orchestrator) attempt(ctx context.Context, job Job, index, attempt int, seed *int64) (img normalize.Image, err error) {
	ctx, span := telemetry.Tracer("promptloom/generation").Start(ctx, "backend.attempt")
	span.SetAttributes(
		attribute.String("backend", job.Route.Backend),
		attribute.String("family", job.Route.Family.String()),
		attribute.Int("index", index),
		attribute.Int("attempt", attempt),
	)
	start := o.now()
	defer func() {
		result := "ok"
		if err != nil {
			result = string(errordefs.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if o.metrics != nil {
			o.metrics.BackendAttemptTotal.WithLabelValues(job.Route.Family.String(), result).Inc()
			o.metrics.BackendAttemptDuration.WithLabelValues(job.Route.Family.String()).Observe(o.now().Sub(start).Seconds())
		}
		span.End()
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, o.opts.BaseTimeout*time.Duration(attempt))
	defer cancel()

	req, err := o.router.BuildRequest(attemptCtx, job.Route, job.Prompt, backend.Params{Width: job.Width, Height: job.Height, Seed: seed})
	if err != nil {
		return normalize.Image{}, errordefs.Wrap(errordefs.PL_INTERNAL, "could not build backend request", err)
	}
	req.Header.Set(RequestIDHeader, job.RequestID+"-"+strconv.Itoa(index))

	resp, err := o.client.Do(req)
	if err != nil {
		return normalize.Image{}, transportError(attemptCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// only the head of an error body is needed for its message
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return normalize.Image{}, normalize.StatusError(resp.StatusCode, resp.Status, body)
	}

	body, err := normalize.ReadBody(resp.Body, o.opts.MaxImageBytes)
	if err != nil {
		if errors.Is(err, normalize.ErrTooLarge) {
			return normalize.Image{}, errordefs.New(errordefs.PL_TOO_LARGE, "backend response exceeds size limit", "")
		}
		return normalize.Image{}, transportError(attemptCtx, err)
	}

	if job.Route.Family == backend.FamilyCustom {
		return o.normalizer.JSON(ctx, body)
	}
	return o.normalizer.Binary(body)
}

// retryable applies the retry taxonomy to a failed attempt.
func (o *Orchestrator) retryable(err error) bool {
	e, ok := errordefs.As(err)
	if !ok || !e.Retryable() {
		return false
	}
	if o.opts.StrictRetry && e.Code == errordefs.PL_HTTP_STATUS {
		status := normalize.StatusCode(err)
		if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			return false
		}
	}
	return true
}

// transportError classifies a failed round trip as a timeout or a network failure.
func transportError(attemptCtx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return errordefs.Wrap(errordefs.PL_TIMEOUT, "backend did not answer in time", err)
	}
	return errordefs.Wrap(errordefs.PL_NETWORK, "backend request failed", err)
}

func itemError(err error) *model.ItemError {
	ie := &model.ItemError{Code: string(errordefs.CodeOf(err)), Message: err.Error()}
	var imgErr *ImageError
	if !errors.As(err, &imgErr) {
		return ie
	}
	ie.Attempts = imgErr.Attempts
	if e, ok := errordefs.As(err); ok {
		ie.Message = fmt.Sprintf("image %d: %s", imgErr.Index+1, e.Message)
	}
	return ie
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
