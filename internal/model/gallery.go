package model

import (
	"time"
)

// ModerationStatus controls whether a gallery record is publicly visible.
type ModerationStatus string

const (
	StatusApproved ModerationStatus = "approved"
	StatusPending  ModerationStatus = "pending"
	StatusRejected ModerationStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s ModerationStatus) Valid() bool {
	switch s {
	case StatusApproved, StatusPending, StatusRejected:
		return true
	}
	return false
}

// GalleryRecord is the persisted form of a shared image.
// This corresponds to the gallery_records table in storage.
type GalleryRecord struct {
	// ID is a ULID, so ids sort by creation time.
	ID             string `json:"id" db:"id"`
	Prompt         string `json:"prompt" db:"prompt"`
	NegativePrompt string `json:"negativePrompt,omitempty" db:"negative_prompt"`
	Backend        string `json:"backend" db:"backend"`
	Width          int    `json:"width" db:"width"`
	Height         int    `json:"height" db:"height"`
	MimeType       string `json:"mimeType" db:"mime_type"`
	// ImageData holds the bytes when no object store is configured,
	// otherwise ImageKey names the object.
	ImageData        []byte           `json:"-" db:"image_data"`
	ImageKey         string           `json:"imageKey,omitempty" db:"image_key"`
	StyleLabel       string           `json:"style,omitempty" db:"style_label"`
	Attribution      string           `json:"attribution,omitempty" db:"attribution"`
	CallerID         string           `json:"callerId,omitempty" db:"caller_id"`
	ModerationStatus ModerationStatus `json:"moderationStatus" db:"moderation_status"`
	LikeCount        int64            `json:"likeCount" db:"like_count"`
	CreatedAt        time.Time        `json:"createdAt" db:"created_at"`
}

// GalleryWriteRequest is the body of a gallery submission.
// ImageData is raw base64 or a data URL.
type GalleryWriteRequest struct {
	Prompt         string `json:"prompt" validate:"required,max=4000"`
	NegativePrompt string `json:"negativePrompt,omitempty" validate:"max=2000"`
	Backend        string `json:"backend" validate:"required,max=128"`
	Width          int    `json:"width" validate:"required,min=1,max=4096"`
	Height         int    `json:"height" validate:"required,min=1,max=4096"`
	ImageData      string `json:"imageData" validate:"required"`
	StyleLabel     string `json:"style,omitempty" validate:"max=128"`
	Attribution    string `json:"attribution,omitempty" validate:"max=64"`
}

// GalleryWriteResult is returned after a successful gallery insert.
type GalleryWriteResult struct {
	Record  GalleryRecord `json:"record"`
	Evicted []string      `json:"evicted,omitempty"`
}

// GalleryQuery selects a page of approved records.
type GalleryQuery struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// GalleryPage is one page of approved records, newest first.
type GalleryPage struct {
	Records []GalleryRecord `json:"records"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ModerationRequest changes the moderation status of a record.
type ModerationRequest struct {
	Status string `json:"status" validate:"required,oneof=approved pending rejected"`
}

// CustomBackend is a caller-registered JSON POST backend.
type CustomBackend struct {
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	APIKey    string    `json:"-"`
	HasKey    bool      `json:"hasKey"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// RegisterBackendRequest is the body of a custom backend registration.
type RegisterBackendRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"apiKey,omitempty"`
}
