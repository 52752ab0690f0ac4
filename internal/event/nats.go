// Package event publishes gallery and generation events to NATS JetStream so
// downstream consumers learn about new records and evictions.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/promptloom/promptloom-go/internal/metrics"
	"github.com/promptloom/promptloom-go/internal/model"
)

// Subjects published by the service.
const (
	SubjectRecordCreated  = "loom.gallery.created"
	SubjectRecordsEvicted = "loom.gallery.evicted"
	SubjectBatchCompleted = "loom.generation.completed"
)

// Publisher defines the event publishing operations.
type Publisher interface {
	PublishGalleryRecordCreated(ctx context.Context, record model.GalleryRecord) error
	// PublishGalleryRecordsEvicted reports records removed to keep the gallery within capacity.
	PublishGalleryRecordsEvicted(ctx context.Context, causedBy string, evicted []model.GalleryRecord) error
	PublishBatchCompleted(ctx context.Context, summary model.BatchSummary) error

	Close() error
}

// noop is used when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that discards every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishGalleryRecordCreated(ctx context.Context, record model.GalleryRecord) error {
	return nil
}

func (n *noop) PublishGalleryRecordsEvicted(ctx context.Context, causedBy string, evicted []model.GalleryRecord) error {
	return nil
}

func (n *noop) PublishBatchCompleted(ctx context.Context, summary model.BatchSummary) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	metrics *metrics.Metrics
}

// NewPublisher connects to url. If NATS is not configured or the connection
// fails, it returns a no-op publisher. m may be nil.
func NewPublisher(url string, m *metrics.Metrics) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("promptloom"), nats.Timeout(5*time.Second))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}
	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}
	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}
	return &natsPub{nc: nc, js: js, metrics: m}
}

// initStreams creates the PL_GALLERY and PL_GENERATION streams.
func initStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:      "PL_GALLERY",
			Subjects:  []string{"loom.gallery.*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		},
		{
			Name:      "PL_GENERATION",
			Subjects:  []string{"loom.generation.*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

// EventEnvelope wraps every published event.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// galleryRecordPayload is the public view of a record; image bytes are never published.
type galleryRecordPayload struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Backend     string    `json:"backend"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	MimeType    string    `json:"mimeType"`
	ImageKey    string    `json:"imageKey,omitempty"`
	StyleLabel  string    `json:"style,omitempty"`
	Attribution string    `json:"attribution,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type evictedPayload struct {
	CausedBy string                 `json:"causedBy"`
	Records  []galleryRecordPayload `json:"records"`
}

func toPayload(r model.GalleryRecord) galleryRecordPayload {
	return galleryRecordPayload{
		ID:          r.ID,
		Prompt:      r.Prompt,
		Backend:     r.Backend,
		Width:       r.Width,
		Height:      r.Height,
		MimeType:    r.MimeType,
		ImageKey:    r.ImageKey,
		StyleLabel:  r.StyleLabel,
		Attribution: r.Attribution,
		CreatedAt:   r.CreatedAt,
	}
}

// Envelope builds the envelope for subject. The correlation id is taken from
// ctx when present.
func Envelope(ctx context.Context, subject string, payload interface{}) EventEnvelope {
	cid, _ := ctx.Value(CorrelationIDKey{}).(string)
	if cid == "" {
		cid = uuid.NewString()
	}
	return EventEnvelope{
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: cid,
		Payload:       payload,
	}
}

// CorrelationIDKey is the context key events read their correlation id from.
type CorrelationIDKey struct{}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Drain()
	}
	return nil
}

func (p *natsPub) publish(ctx context.Context, subject, msgID string, payload interface{}) error {
	b, err := json.Marshal(Envelope(ctx, subject, payload))
	if err != nil {
		return err
	}
	start := time.Now()
	// JetStream drops a repeated msg id inside the stream's duplicate window
	_, err = p.js.Publish(subject, b, nats.MsgId(msgID), nats.Context(ctx))
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.EventPublishTotal.WithLabelValues(subject, status).Inc()
		p.metrics.EventPublishDuration.WithLabelValues(subject, status).Observe(time.Since(start).Seconds())
	}
	return err
}

func (p *natsPub) PublishGalleryRecordCreated(ctx context.Context, record model.GalleryRecord) error {
	return p.publish(ctx, SubjectRecordCreated, "created-"+record.ID, toPayload(record))
}

func (p *natsPub) PublishGalleryRecordsEvicted(ctx context.Context, causedBy string, evicted []model.GalleryRecord) error {
	if len(evicted) == 0 {
		return nil
	}
	payload := evictedPayload{CausedBy: causedBy, Records: make([]galleryRecordPayload, len(evicted))}
	for i, r := range evicted {
		payload.Records[i] = toPayload(r)
	}
	return p.publish(ctx, SubjectRecordsEvicted, "evicted-by-"+causedBy, payload)
}

func (p *natsPub) PublishBatchCompleted(ctx context.Context, summary model.BatchSummary) error {
	return p.publish(ctx, SubjectBatchCompleted, "batch-"+summary.RequestID, summary)
}
