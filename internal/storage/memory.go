package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/promptloom/promptloom-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu      sync.RWMutex                    // Serializes every count-evict-insert sequence
	records map[string]*model.GalleryRecord // Map of record ID to record
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{records: make(map[string]*model.GalleryRecord)}
}

// InsertBounded implements Store.
func (m *memory) InsertBounded(ctx context.Context, rec model.GalleryRecord, capacity int) (InsertResult, error) {
	if capacity < 1 {
		return InsertResult{}, errors.New("capacity must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return InsertResult{}, ErrConflict
	}

	rec.ModerationStatus = model.StatusApproved
	rec.LikeCount = 0
	rec.ImageData = append([]byte(nil), rec.ImageData...)

	evicted := m.planEvictionLocked(capacity)
	m.applyLocked(evicted, &rec)
	if err := m.checkCapacityLocked(capacity, evicted, rec.ID, nil); err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Record: copyRecord(&rec), Evicted: evicted}, nil
}

// SetModerationStatus implements Store.
func (m *memory) SetModerationStatus(ctx context.Context, id string, status model.ModerationStatus, capacity int) (InsertResult, error) {
	if capacity < 1 {
		return InsertResult{}, errors.New("capacity must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return InsertResult{}, ErrNotFound
	}
	if rec.ModerationStatus == status {
		return InsertResult{Record: copyRecord(rec)}, nil
	}

	var evicted []model.GalleryRecord
	if status == model.StatusApproved {
		evicted = m.planEvictionLocked(capacity)
		m.applyLocked(evicted, nil)
	}
	previous := rec.ModerationStatus
	rec.ModerationStatus = status
	if err := m.checkCapacityLocked(capacity, evicted, "", func() { rec.ModerationStatus = previous }); err != nil {
		return InsertResult{}, err
	}
	return InsertResult{Record: copyRecord(rec), Evicted: evicted}, nil
}

// planEvictionLocked selects the approved records to delete so that at most
// capacity-1 approved records remain.
func (m *memory) planEvictionLocked(capacity int) []model.GalleryRecord {
	approved := m.approvedLocked()
	if len(approved) < capacity {
		return nil
	}
	sort.Slice(approved, func(i, j int) bool { return olderThan(approved[i], approved[j]) })
	n := len(approved) - capacity + 1
	evicted := make([]model.GalleryRecord, n)
	for i := 0; i < n; i++ {
		evicted[i] = copyRecord(approved[i])
	}
	return evicted
}

func (m *memory) applyLocked(evicted []model.GalleryRecord, insert *model.GalleryRecord) {
	for _, rec := range evicted {
		delete(m.records, rec.ID)
	}
	if insert != nil {
		m.records[insert.ID] = insert
	}
}

// checkCapacityLocked re-counts after a write and undoes it on violation.
func (m *memory) checkCapacityLocked(capacity int, evicted []model.GalleryRecord, insertedID string, undo func()) error {
	if len(m.approvedLocked()) <= capacity {
		return nil
	}
	if insertedID != "" {
		delete(m.records, insertedID)
	}
	if undo != nil {
		undo()
	}
	for i := range evicted {
		rec := evicted[i]
		m.records[rec.ID] = &rec
	}
	return ErrCapacityInvariant
}

func (m *memory) approvedLocked() []*model.GalleryRecord {
	out := make([]*model.GalleryRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.ModerationStatus == model.StatusApproved {
			out = append(out, rec)
		}
	}
	return out
}

// ListApproved implements Store.
func (m *memory) ListApproved(ctx context.Context, q model.GalleryQuery) (model.GalleryPage, error) {
	q = normalizeQuery(q)
	m.mu.RLock()
	defer m.mu.RUnlock()

	approved := m.approvedLocked()
	sort.Slice(approved, func(i, j int) bool { return olderThan(approved[j], approved[i]) })

	page := model.GalleryPage{Records: []model.GalleryRecord{}, Total: len(approved), Limit: q.Limit, Offset: q.Offset}
	for i := q.Offset; i < len(approved) && i < q.Offset+q.Limit; i++ {
		page.Records = append(page.Records, copyRecord(approved[i]))
	}
	return page, nil
}

// Get implements Store.
func (m *memory) Get(ctx context.Context, id string) (*model.GalleryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyRecord(rec)
	return &c, nil
}

// Delete implements Store.
func (m *memory) Delete(ctx context.Context, id string) (*model.GalleryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.records, id)
	c := copyRecord(rec)
	return &c, nil
}

// IncrementLikes implements Store.
func (m *memory) IncrementLikes(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.ModerationStatus != model.StatusApproved {
		return 0, ErrNotFound
	}
	rec.LikeCount++
	return rec.LikeCount, nil
}

// CountApproved implements Store.
func (m *memory) CountApproved(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.approvedLocked()), nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}

// olderThan orders by creation time, then id.
func olderThan(a, b *model.GalleryRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func copyRecord(rec *model.GalleryRecord) model.GalleryRecord {
	c := *rec
	c.ImageData = append([]byte(nil), rec.ImageData...)
	return c
}
