// Package gallery is the public gallery: it decodes submitted images, stores
// their bytes (inline or in object storage), runs the bounded insert and tells
// the rest of the system about new and evicted records.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/event"
	"github.com/promptloom/promptloom-go/internal/media"
	"github.com/promptloom/promptloom-go/internal/metrics"
	"github.com/promptloom/promptloom-go/internal/model"
	"github.com/promptloom/promptloom-go/internal/normalize"
	"github.com/promptloom/promptloom-go/internal/storage"
	"github.com/promptloom/promptloom-go/internal/telemetry"
)

const presignTTL = 15 * time.Minute

// ImageStore holds gallery image bytes outside the database.
// *media.S3Client implements it.
type ImageStore interface {
	PutImage(ctx context.Context, key string, data []byte, mimeType string) error
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
	DeleteImage(ctx context.Context, key string) error
}

// Options configures a Service.
type Options struct {
	Capacity      int
	MaxImageBytes int64
	Moderators    []string
}

// Service implements the gallery operations.
type Service struct {
	store      storage.Store
	images     ImageStore // nil keeps bytes inline in the store
	pub        event.Publisher
	decoder    *normalize.Normalizer
	capacity   int
	moderators map[string]bool
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires the gallery. images may be nil.
func NewService(store storage.Store, images ImageStore, pub event.Publisher, opts Options, m *metrics.Metrics, logger *slog.Logger) *Service {
	if pub == nil {
		pub = event.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	mods := make(map[string]bool, len(opts.Moderators))
	for _, id := range opts.Moderators {
		mods[id] = true
	}
	return &Service{
		store:      store,
		images:     images,
		pub:        pub,
		decoder:    normalize.New(nil, opts.MaxImageBytes),
		capacity:   opts.Capacity,
		moderators: mods,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Capacity is the maximum number of approved records.
func (s *Service) Capacity() int { return s.capacity }

// IsModerator reports whether callerID may moderate.
func (s *Service) IsModerator(callerID string) bool { return s.moderators[callerID] }

// Submit stores a caller-submitted image. ImageData is raw base64 or a data URL.
func (s *Service) Submit(ctx context.Context, callerID string, req model.GalleryWriteRequest) (model.GalleryWriteResult, error) {
	img, err := s.decoder.Inline(ctx, req.ImageData)
	if err != nil {
		if errordefs.CodeOf(err) == errordefs.PL_TOO_LARGE {
			return model.GalleryWriteResult{}, err
		}
		return model.GalleryWriteResult{}, errordefs.NewWithDetails(errordefs.PL_VALIDATION,
			"imageData must be base64 image data or a data URL", "", map[string]string{"field": "imageData"})
	}
	return s.insert(ctx, model.GalleryRecord{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Backend:        req.Backend,
		Width:          req.Width,
		Height:         req.Height,
		MimeType:       img.MimeType,
		ImageData:      img.Data,
		StyleLabel:     req.StyleLabel,
		Attribution:    req.Attribution,
		CallerID:       callerID,
	})
}

// Share stores a freshly generated asset.
func (s *Service) Share(ctx context.Context, callerID, attribution, style string, asset model.GeneratedImageAsset) (model.GalleryWriteResult, error) {
	return s.insert(ctx, model.GalleryRecord{
		Prompt:         asset.Prompt,
		NegativePrompt: asset.NegativePrompt,
		Backend:        asset.Backend,
		Width:          asset.Width,
		Height:         asset.Height,
		MimeType:       asset.MimeType,
		ImageData:      asset.Data,
		StyleLabel:     style,
		Attribution:    attribution,
		CallerID:       callerID,
	})
}

// ShareHook adapts Share for a generation batch. A failed share is reported on
// the item and never retracts the delivered asset.
func (s *Service) ShareHook(req model.GenerationRequest) func(context.Context, model.GeneratedImageAsset) *model.GalleryShare {
	if !req.ShareToGallery {
		return nil
	}
	return func(ctx context.Context, asset model.GeneratedImageAsset) *model.GalleryShare {
		res, err := s.Share(ctx, req.CallerID, req.Attribution, req.Modifiers.ArtStyle, asset)
		if err != nil {
			return &model.GalleryShare{Error: &model.ItemError{Code: string(errordefs.CodeOf(err)), Message: err.Error()}}
		}
		return &model.GalleryShare{RecordID: res.Record.ID, Evicted: len(res.Evicted)}
	}
}

func (s *Service) insert(ctx context.Context, rec model.GalleryRecord) (model.GalleryWriteResult, error) {
	ctx, span := telemetry.Tracer("promptloom/gallery").Start(ctx, "gallery.insert")
	defer span.End()

	rec.ID = ulid.Make().String()
	rec.CreatedAt = s.now().UTC()

	// object upload happens before the store lock is taken
	if s.images != nil {
		rec.ImageKey = media.ObjectKey(rec.ID, rec.MimeType)
		if err := s.images.PutImage(ctx, rec.ImageKey, rec.ImageData, rec.MimeType); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "image upload failed")
			return model.GalleryWriteResult{}, errordefs.Wrap(errordefs.PL_UNAVAILABLE, "image storage is unavailable", err)
		}
		rec.ImageData = nil
	}

	var res storage.InsertResult
	err := s.observe("insert_bounded", func() error {
		var err error
		res, err = s.store.InsertBounded(ctx, rec, s.capacity)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		if rec.ImageKey != "" {
			if derr := s.images.DeleteImage(context.WithoutCancel(ctx), rec.ImageKey); derr != nil {
				s.logger.Warn("failed to remove orphaned gallery image", "key", rec.ImageKey, "error", derr)
			}
		}
		return model.GalleryWriteResult{}, storeError(err)
	}
	span.SetAttributes(attribute.String("record.id", rec.ID), attribute.Int("evicted", len(res.Evicted)))

	s.afterWrite(ctx, res)
	if err := s.pub.PublishGalleryRecordCreated(ctx, res.Record); err != nil {
		s.logger.Warn("failed to publish gallery record event", "id", res.Record.ID, "error", err)
	}
	s.logger.Info("gallery record stored", "id", res.Record.ID, "backend", res.Record.Backend, "evicted", len(res.Evicted))
	return model.GalleryWriteResult{Record: res.Record, Evicted: res.EvictedIDs()}, nil
}

// afterWrite removes evicted objects, reports the eviction and refreshes the
// approved gauge. Failures here are logged; the write already committed.
func (s *Service) afterWrite(ctx context.Context, res storage.InsertResult) {
	if len(res.Evicted) > 0 {
		if s.images != nil {
			for _, rec := range res.Evicted {
				if rec.ImageKey == "" {
					continue
				}
				if err := s.images.DeleteImage(ctx, rec.ImageKey); err != nil {
					s.logger.Warn("failed to delete evicted gallery image", "key", rec.ImageKey, "error", err)
				}
			}
		}
		if err := s.pub.PublishGalleryRecordsEvicted(ctx, res.Record.ID, res.Evicted); err != nil {
			s.logger.Warn("failed to publish eviction event", "causedBy", res.Record.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.GalleryEvictionTotal.Add(float64(len(res.Evicted)))
		}
	}
	if s.metrics != nil {
		if n, err := s.store.CountApproved(ctx); err == nil {
			s.metrics.GalleryApproved.Set(float64(n))
		}
	}
}

// List returns a page of approved records, newest first.
func (s *Service) List(ctx context.Context, q model.GalleryQuery) (model.GalleryPage, error) {
	var page model.GalleryPage
	err := s.observe("list_approved", func() error {
		var err error
		page, err = s.store.ListApproved(ctx, q)
		return err
	})
	if err != nil {
		return model.GalleryPage{}, storeError(err)
	}
	return page, nil
}

// Get returns a record. Records that are not approved are visible only to
// their author and moderators.
func (s *Service) Get(ctx context.Context, callerID, id string) (*model.GalleryRecord, error) {
	var rec *model.GalleryRecord
	err := s.observe("get", func() error {
		var err error
		rec, err = s.store.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}
	if rec.ModerationStatus != model.StatusApproved && !s.canManage(callerID, rec) {
		return nil, errordefs.New(errordefs.PL_NOT_FOUND, "gallery record not found", "")
	}
	return rec, nil
}

// Image is how a record's bytes are served: inline, or by redirect.
type Image struct {
	Data        []byte
	MimeType    string
	RedirectURL string
}

// Image resolves a record's image.
func (s *Service) Image(ctx context.Context, callerID, id string) (Image, error) {
	rec, err := s.Get(ctx, callerID, id)
	if err != nil {
		return Image{}, err
	}
	if rec.ImageKey != "" && s.images != nil {
		url, err := s.images.PresignGet(ctx, rec.ImageKey, presignTTL)
		if err != nil {
			return Image{}, errordefs.Wrap(errordefs.PL_UNAVAILABLE, "image storage is unavailable", err)
		}
		return Image{MimeType: rec.MimeType, RedirectURL: url}, nil
	}
	if len(rec.ImageData) == 0 {
		return Image{}, errordefs.New(errordefs.PL_NOT_FOUND, "gallery image not found", "")
	}
	return Image{Data: rec.ImageData, MimeType: rec.MimeType}, nil
}

// Like increments an approved record's like count.
func (s *Service) Like(ctx context.Context, id string) (int64, error) {
	var likes int64
	err := s.observe("increment_likes", func() error {
		var err error
		likes, err = s.store.IncrementLikes(ctx, id)
		return err
	})
	if err != nil {
		return 0, storeError(err)
	}
	return likes, nil
}

// Moderate changes a record's status. Approving may evict older records.
func (s *Service) Moderate(ctx context.Context, callerID, id string, status model.ModerationStatus) (model.GalleryWriteResult, error) {
	if !s.IsModerator(callerID) {
		return model.GalleryWriteResult{}, errordefs.New(errordefs.PL_FORBIDDEN, "moderation requires moderator rights", "")
	}
	if !status.Valid() {
		return model.GalleryWriteResult{}, errordefs.New(errordefs.PL_VALIDATION, fmt.Sprintf("unknown moderation status %q", status), "")
	}
	var res storage.InsertResult
	err := s.observe("set_moderation_status", func() error {
		var err error
		res, err = s.store.SetModerationStatus(ctx, id, status, s.capacity)
		return err
	})
	if err != nil {
		return model.GalleryWriteResult{}, storeError(err)
	}
	s.afterWrite(ctx, res)
	s.logger.Info("gallery record moderated", "id", id, "status", status, "by", callerID, "evicted", len(res.Evicted))
	return model.GalleryWriteResult{Record: res.Record, Evicted: res.EvictedIDs()}, nil
}

// Delete removes a record. Only its author or a moderator may delete it.
func (s *Service) Delete(ctx context.Context, callerID, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return storeError(err)
	}
	if !s.canManage(callerID, rec) {
		return errordefs.New(errordefs.PL_FORBIDDEN, "only the author or a moderator may delete this record", "")
	}
	err = s.observe("delete", func() error {
		var err error
		rec, err = s.store.Delete(ctx, id)
		return err
	})
	if err != nil {
		return storeError(err)
	}
	if rec.ImageKey != "" && s.images != nil {
		if err := s.images.DeleteImage(ctx, rec.ImageKey); err != nil {
			s.logger.Warn("failed to delete gallery image", "key", rec.ImageKey, "error", err)
		}
	}
	if s.metrics != nil {
		if n, err := s.store.CountApproved(ctx); err == nil {
			s.metrics.GalleryApproved.Set(float64(n))
		}
	}
	return nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

func (s *Service) canManage(callerID string, rec *model.GalleryRecord) bool {
	if callerID == "" {
		return false
	}
	return s.moderators[callerID] || rec.CallerID == callerID
}

func (s *Service) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if s.metrics != nil {
		status := "success"
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			status = "error"
		}
		s.metrics.StorageOperationTotal.WithLabelValues(op, status).Inc()
		s.metrics.StorageOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	}
	return err
}

func storeError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.New(errordefs.PL_NOT_FOUND, "gallery record not found", "")
	case errors.Is(err, storage.ErrConflict):
		return errordefs.New(errordefs.PL_CONFLICT, "gallery record already exists", "")
	case errors.Is(err, storage.ErrCapacityInvariant):
		return errordefs.Wrap(errordefs.PL_CAPACITY_INVARIANT, "gallery write rolled back", err)
	}
	return errordefs.Wrap(errordefs.PL_INTERNAL, "gallery storage failed", err)
}
