package server

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errordefs "github.com/promptloom/promptloom-go/internal/errors"
	"github.com/promptloom/promptloom-go/internal/model"
	"github.com/promptloom/promptloom-go/internal/telemetry"
)

var galleryTracer = telemetry.Tracer("promptloom/server")

// handleGalleryWrite handles POST /v1/gallery
func (m *Mux) handleGalleryWrite(w http.ResponseWriter, r *http.Request) {
	ctx, span := galleryTracer.Start(r.Context(), "handleGalleryWrite")
	defer span.End()
	r = r.WithContext(ctx)

	var req model.GalleryWriteRequest
	if err := m.decode(r, &req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("backend", req.Backend))

	res, err := m.deps.Gallery.Submit(ctx, callerFrom(ctx), req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gallery write failed")
		m.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("record.id", res.Record.ID), attribute.Int("evicted", len(res.Evicted)))
	m.writeSuccess(w, http.StatusCreated, res)
}

// handleListGallery handles GET /v1/gallery?limit&offset
func (m *Mux) handleListGallery(w http.ResponseWriter, r *http.Request) {
	ctx, span := galleryTracer.Start(r.Context(), "handleListGallery")
	defer span.End()
	r = r.WithContext(ctx)

	q := model.GalleryQuery{}
	var err error
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		m.fail(w, r, err)
		return
	}
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		m.fail(w, r, err)
		return
	}

	page, err := m.deps.Gallery.List(ctx, q)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, page)
}

// handleGetGalleryRecord handles GET /v1/gallery/{id}
func (m *Mux) handleGetGalleryRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := m.deps.Gallery.Get(r.Context(), callerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rec)
}

// handleGalleryImage serves the image bytes, or redirects to object storage.
func (m *Mux) handleGalleryImage(w http.ResponseWriter, r *http.Request) {
	img, err := m.deps.Gallery.Image(r.Context(), callerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if img.RedirectURL != "" {
		http.Redirect(w, r, img.RedirectURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", img.MimeType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

// handleLike handles POST /v1/gallery/{id}/like
func (m *Mux) handleLike(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	likes, err := m.deps.Gallery.Like(r.Context(), id)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"id": id, "likeCount": likes})
}

// handleModerate handles POST /v1/gallery/{id}/moderation
func (m *Mux) handleModerate(w http.ResponseWriter, r *http.Request) {
	caller, ok := m.requireCaller(w, r)
	if !ok {
		return
	}
	var req model.ModerationRequest
	if err := m.decode(r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	res, err := m.deps.Gallery.Moderate(r.Context(), caller, r.PathValue("id"), model.ModerationStatus(req.Status))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}

// handleDeleteGalleryRecord handles DELETE /v1/gallery/{id}
func (m *Mux) handleDeleteGalleryRecord(w http.ResponseWriter, r *http.Request) {
	caller, ok := m.requireCaller(w, r)
	if !ok {
		return
	}
	if err := m.deps.Gallery.Delete(r.Context(), caller, r.PathValue("id")); err != nil {
		m.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errordefs.NewWithDetails(errordefs.PL_VALIDATION, key+" must be a non-negative integer", "", map[string]string{"field": key})
	}
	return n, nil
}
