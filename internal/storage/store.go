// Package storage persists gallery records. Both implementations keep the
// number of approved records at or below a capacity by evicting the oldest
// approved records inside the same atomic unit as the insert.
package storage

import (
	"context"
	"errors"

	"github.com/promptloom/promptloom-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a record id already exists

	// ErrCapacityInvariant means the approved count exceeded capacity after a
	// write. The write is rolled back.
	ErrCapacityInvariant = errors.New("approved record count exceeds capacity")
)

const (
	DefaultListLimit = 25
	MaxListLimit     = 100
)

// InsertResult is the outcome of a bounded write.
type InsertResult struct {
	Record  model.GalleryRecord
	Evicted []model.GalleryRecord // oldest first
}

// EvictedIDs returns the ids of the evicted records.
func (r InsertResult) EvictedIDs() []string {
	if len(r.Evicted) == 0 {
		return nil
	}
	ids := make([]string, len(r.Evicted))
	for i, rec := range r.Evicted {
		ids[i] = rec.ID
	}
	return ids
}

// Store defines the gallery storage operations.
type Store interface {
	// InsertBounded stores rec as approved with zero likes. When the approved
	// count is already at capacity, the oldest approved records are deleted
	// first so that exactly capacity-1 remain before the insert.
	InsertBounded(ctx context.Context, rec model.GalleryRecord, capacity int) (InsertResult, error)
	// SetModerationStatus changes a record's status. Promoting a record to
	// approved runs the same bounded eviction as an insert.
	SetModerationStatus(ctx context.Context, id string, status model.ModerationStatus, capacity int) (InsertResult, error)

	ListApproved(ctx context.Context, q model.GalleryQuery) (model.GalleryPage, error) // newest first
	Get(ctx context.Context, id string) (*model.GalleryRecord, error)
	Delete(ctx context.Context, id string) (*model.GalleryRecord, error) // returns the deleted record
	IncrementLikes(ctx context.Context, id string) (int64, error)
	CountApproved(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close()
}

// normalizeQuery clamps paging parameters.
func normalizeQuery(q model.GalleryQuery) model.GalleryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
