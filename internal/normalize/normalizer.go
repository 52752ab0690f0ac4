// Package normalize turns whatever a backend returned into one canonical image:
// raw bytes plus a MIME type. Query-parameter backends answer with a binary
// body; custom backends answer with a JSON envelope whose image may be nested,
// base64 encoded, a data URL or a link that has to be fetched again.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"

	errordefs "github.com/promptloom/promptloom-go/internal/errors"
)

// Stage names the step of normalization that failed.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageDecode Stage = "decode"
)

// Image is a decoded backend result.
type Image struct {
	Data     []byte
	MimeType string
}

// Fetcher downloads a remote image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// ErrTooLarge is returned when a body exceeds the configured byte limit.
var ErrTooLarge = errors.New("body exceeds size limit")

// HTTPFetcher fetches remote images with a bounded timeout and size.
type HTTPFetcher struct {
	hc       *http.Client
	maxBytes int64
}

// NewHTTPFetcher returns a fetcher whose every request is bounded by timeout.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &HTTPFetcher{
		hc:       &http.Client{Transport: transport, Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("remote image fetch failed: %s", resp.Status)
	}
	body, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Normalizer converts backend responses into Images.
type Normalizer struct {
	fetcher  Fetcher
	maxBytes int64
}

// New returns a Normalizer using fetcher for remote URL payloads.
func New(fetcher Fetcher, maxBytes int64) *Normalizer {
	return &Normalizer{fetcher: fetcher, maxBytes: maxBytes}
}

// Binary accepts a raw image body. The format is taken from the bytes, never
// from the response headers.
func (n *Normalizer) Binary(body []byte) (Image, error) {
	if len(body) == 0 {
		return Image{}, errordefs.New(errordefs.PL_EMPTY_PAYLOAD, "backend returned an empty body", "")
	}
	if n.maxBytes > 0 && int64(len(body)) > n.maxBytes {
		return Image{}, errordefs.New(errordefs.PL_TOO_LARGE, "backend image exceeds size limit", "")
	}
	mime, err := sniffImage(body)
	if err != nil {
		return Image{}, stageError(StageDecode, err)
	}
	return Image{Data: body, MimeType: mime}, nil
}

// JSON extracts, classifies and decodes the image payload of a JSON body.
func (n *Normalizer) JSON(ctx context.Context, body []byte) (Image, error) {
	shape, err := decodeShape(body)
	if err != nil {
		if errors.Is(err, errNoPayload) {
			return Image{}, errordefs.New(errordefs.PL_EMPTY_PAYLOAD, "no image payload", "")
		}
		return Image{}, stageError(StageDecode, err)
	}
	return n.Inline(ctx, shape.Payload())
}

// Inline decodes a single payload string: a URL, a data URL or raw base64.
func (n *Normalizer) Inline(ctx context.Context, raw string) (Image, error) {
	var (
		data []byte
		err  error
	)
	switch p := ClassifyPayload(raw).(type) {
	case RemoteURL:
		if n.fetcher == nil {
			return Image{}, stageError(StageFetch, errors.New("remote payloads are not accepted here"))
		}
		data, _, err = n.fetcher.Fetch(ctx, p.URL)
		if err != nil {
			return Image{}, stageError(StageFetch, err)
		}
	case DataURL, RawBase64:
		data, _, err = decodeInline(p)
		if err != nil {
			return Image{}, stageError(StageDecode, err)
		}
	default:
		return Image{}, stageError(StageDecode, fmt.Errorf("unsupported payload %T", p))
	}

	if len(data) == 0 {
		return Image{}, errordefs.New(errordefs.PL_EMPTY_PAYLOAD, "image payload decoded to zero bytes", "")
	}
	if n.maxBytes > 0 && int64(len(data)) > n.maxBytes {
		return Image{}, errordefs.New(errordefs.PL_TOO_LARGE, "image exceeds size limit", "")
	}
	mime, err := sniffImage(data)
	if err != nil {
		return Image{}, stageError(StageDecode, err)
	}
	return Image{Data: data, MimeType: mime}, nil
}

// allowedImageTypes are the formats the service stores and serves.
var allowedImageTypes = []string{"image/png", "image/jpeg", "image/webp", "image/gif"}

// sniffImage detects the format of data from its content. Anything outside
// allowedImageTypes is rejected, whatever type was declared for it.
func sniffImage(data []byte) (string, error) {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		for _, allowed := range allowedImageTypes {
			if m.Is(allowed) {
				return allowed, nil
			}
		}
	}
	return "", fmt.Errorf("payload is %s, not a supported image format", detected.String())
}

func stageError(stage Stage, cause error) error {
	e := errordefs.Wrap(errordefs.PL_DECODE, fmt.Sprintf("%s stage failed", stage), cause)
	e.Details = map[string]string{"stage": string(stage)}
	return e
}

// StageOf reports the failing stage recorded on a decode error.
func StageOf(err error) Stage {
	e, ok := errordefs.As(err)
	if !ok {
		return ""
	}
	if d, ok := e.Details.(map[string]string); ok {
		return Stage(d["stage"])
	}
	return ""
}

// HTTPStatusError is the cause attached to PL_HTTP_STATUS errors.
type HTTPStatusError struct {
	Status  int
	Message string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// StatusError builds the error for a non-2xx backend response, preferring a
// structured message from the body over the status text.
func StatusError(status int, statusText string, body []byte) error {
	msg := errorMessage(body)
	if msg == "" {
		msg = statusText
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := errordefs.Wrap(errordefs.PL_HTTP_STATUS, msg, &HTTPStatusError{Status: status, Message: msg})
	e.Details = map[string]int{"status": status}
	return e
}

// StatusCode returns the backend status carried by err, or 0.
func StatusCode(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// errorMessage probes common JSON error layouts.
func errorMessage(body []byte) string {
	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(body, &env) != nil {
		return ""
	}
	if s := str(env.Error); s != "" {
		return s
	}
	if len(env.Error) > 0 && env.Error[0] == '{' {
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
	}
	if env.Message != "" {
		return env.Message
	}
	return str(env.Detail)
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, ErrTooLarge
	}
	return body, nil
}

// ReadBody reads a response body bounded by max bytes.
func ReadBody(r io.Reader, max int64) ([]byte, error) { return readLimited(r, max) }
