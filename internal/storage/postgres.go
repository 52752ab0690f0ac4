package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promptloom/promptloom-go/internal/model"
)

// galleryLockKey is the transaction-scoped advisory lock that serializes
// bounded writes across every process sharing the database.
const galleryLockKey int64 = 0x706c5f67616c // "pl_gal"

var recordColumns = []string{
	"id", "prompt", "negative_prompt", "backend", "width", "height", "mime_type",
	"image_data", "image_key", "style_label", "attribution", "caller_id",
	"moderation_status", "like_count", "created_at",
}

// postgres provides persistent storage for gallery records.
type postgres struct {
	db *pgxpool.Pool
	sb sq.StatementBuilderType
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}, nil
}

// initSchema creates the gallery table and its indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS gallery_records (
		    id TEXT PRIMARY KEY,                     -- ULID
		    prompt TEXT NOT NULL,
		    negative_prompt TEXT NOT NULL DEFAULT '',
		    backend TEXT NOT NULL,
		    width INTEGER NOT NULL,
		    height INTEGER NOT NULL,
		    mime_type TEXT NOT NULL,
		    image_data BYTEA,                        -- inline bytes when no object store is configured
		    image_key TEXT NOT NULL DEFAULT '',      -- object key otherwise
		    style_label TEXT NOT NULL DEFAULT '',
		    attribution TEXT NOT NULL DEFAULT '',
		    caller_id TEXT NOT NULL DEFAULT '',
		    moderation_status TEXT NOT NULL DEFAULT 'approved',
		    like_count BIGINT NOT NULL DEFAULT 0,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- eviction scans oldest-first, the public feed newest-first
		CREATE INDEX IF NOT EXISTS idx_gallery_status_created ON gallery_records(moderation_status, created_at, id);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (p *postgres) Close() {
	p.db.Close()
}

// Ping implements Store.
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// InsertBounded implements Store. Count, eviction, insert and the capacity
// re-check run in one transaction holding the advisory lock.
func (p *postgres) InsertBounded(ctx context.Context, rec model.GalleryRecord, capacity int) (InsertResult, error) {
	if capacity < 1 {
		return InsertResult{}, errors.New("capacity must be positive")
	}
	rec.ModerationStatus = model.StatusApproved
	rec.LikeCount = 0

	var result InsertResult
	err := p.withGalleryLock(ctx, func(tx pgx.Tx) error {
		evicted, err := p.evictOldest(ctx, tx, capacity)
		if err != nil {
			return err
		}

		query, args, err := p.sb.Insert("gallery_records").
			Columns(recordColumns...).
			Values(rec.ID, rec.Prompt, rec.NegativePrompt, rec.Backend, rec.Width, rec.Height, rec.MimeType,
				rec.ImageData, rec.ImageKey, rec.StyleLabel, rec.Attribution, rec.CallerID,
				string(rec.ModerationStatus), rec.LikeCount, rec.CreatedAt).
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrConflict
			}
			return fmt.Errorf("insert gallery record: %w", err)
		}

		if err := p.checkCapacity(ctx, tx, capacity); err != nil {
			return err
		}
		result = InsertResult{Record: rec, Evicted: evicted}
		return nil
	})
	return result, err
}

// SetModerationStatus implements Store.
func (p *postgres) SetModerationStatus(ctx context.Context, id string, status model.ModerationStatus, capacity int) (InsertResult, error) {
	if capacity < 1 {
		return InsertResult{}, errors.New("capacity must be positive")
	}
	var result InsertResult
	err := p.withGalleryLock(ctx, func(tx pgx.Tx) error {
		current, err := p.getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.ModerationStatus == status {
			result = InsertResult{Record: *current}
			return nil
		}

		var evicted []model.GalleryRecord
		if status == model.StatusApproved {
			if evicted, err = p.evictOldest(ctx, tx, capacity); err != nil {
				return err
			}
		}

		query, args, err := p.sb.Update("gallery_records").
			Set("moderation_status", string(status)).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("update moderation status: %w", err)
		}
		if err := p.checkCapacity(ctx, tx, capacity); err != nil {
			return err
		}
		current.ModerationStatus = status
		result = InsertResult{Record: *current, Evicted: evicted}
		return nil
	})
	return result, err
}

// withGalleryLock runs fn in a transaction holding the gallery advisory lock.
// The lock is released when the transaction ends.
func (p *postgres) withGalleryLock(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", galleryLockKey); err != nil {
		return fmt.Errorf("acquire gallery lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// evictOldest deletes the oldest approved records so that capacity-1 remain.
func (p *postgres) evictOldest(ctx context.Context, tx pgx.Tx, capacity int) ([]model.GalleryRecord, error) {
	count, err := p.countApproved(ctx, tx)
	if err != nil {
		return nil, err
	}
	if count < capacity {
		return nil, nil
	}

	// the inner select keeps '?' placeholders; the outer builder renumbers them
	oldest, oldestArgs, err := sq.Select("id").
		From("gallery_records").
		Where(sq.Eq{"moderation_status": string(model.StatusApproved)}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(count - capacity + 1)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build eviction select: %w", err)
	}
	query, args, err := p.sb.Delete("gallery_records").
		Where(sq.Expr("id IN ("+oldest+")", oldestArgs...)).
		Suffix("RETURNING " + strings.Join(recordColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build eviction delete: %w", err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("evict gallery records: %w", err)
	}
	evicted, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("evict gallery records: %w", err)
	}
	sortOldestFirst(evicted)
	return evicted, nil
}

func (p *postgres) checkCapacity(ctx context.Context, tx pgx.Tx, capacity int) error {
	count, err := p.countApproved(ctx, tx)
	if err != nil {
		return err
	}
	if count > capacity {
		return ErrCapacityInvariant
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *postgres) countApproved(ctx context.Context, q querier) (int, error) {
	query, args, err := p.sb.Select("COUNT(*)").
		From("gallery_records").
		Where(sq.Eq{"moderation_status": string(model.StatusApproved)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var count int
	if err := q.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count approved records: %w", err)
	}
	return count, nil
}

func (p *postgres) getForUpdate(ctx context.Context, tx pgx.Tx, id string) (*model.GalleryRecord, error) {
	query, args, err := p.sb.Select(recordColumns...).
		From("gallery_records").
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	return scanOne(tx.QueryRow(ctx, query, args...))
}

// CountApproved implements Store.
func (p *postgres) CountApproved(ctx context.Context) (int, error) {
	return p.countApproved(ctx, p.db)
}

// ListApproved implements Store.
func (p *postgres) ListApproved(ctx context.Context, q model.GalleryQuery) (model.GalleryPage, error) {
	q = normalizeQuery(q)
	total, err := p.countApproved(ctx, p.db)
	if err != nil {
		return model.GalleryPage{}, err
	}

	query, args, err := p.sb.Select(recordColumns...).
		From("gallery_records").
		Where(sq.Eq{"moderation_status": string(model.StatusApproved)}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(q.Limit)).
		Offset(uint64(q.Offset)).
		ToSql()
	if err != nil {
		return model.GalleryPage{}, fmt.Errorf("build list: %w", err)
	}
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return model.GalleryPage{}, fmt.Errorf("list gallery records: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return model.GalleryPage{}, fmt.Errorf("list gallery records: %w", err)
	}
	return model.GalleryPage{Records: records, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// Get implements Store.
func (p *postgres) Get(ctx context.Context, id string) (*model.GalleryRecord, error) {
	query, args, err := p.sb.Select(recordColumns...).
		From("gallery_records").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	return scanOne(p.db.QueryRow(ctx, query, args...))
}

// Delete implements Store.
func (p *postgres) Delete(ctx context.Context, id string) (*model.GalleryRecord, error) {
	query, args, err := p.sb.Delete("gallery_records").
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + strings.Join(recordColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build delete: %w", err)
	}
	return scanOne(p.db.QueryRow(ctx, query, args...))
}

// IncrementLikes implements Store.
func (p *postgres) IncrementLikes(ctx context.Context, id string) (int64, error) {
	query, args, err := p.sb.Update("gallery_records").
		Set("like_count", sq.Expr("like_count + 1")).
		Where(sq.Eq{"id": id, "moderation_status": string(model.StatusApproved)}).
		Suffix("RETURNING like_count").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build like update: %w", err)
	}
	var likes int64
	if err := p.db.QueryRow(ctx, query, args...).Scan(&likes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment likes: %w", err)
	}
	return likes, nil
}

func scanOne(row pgx.Row) (*model.GalleryRecord, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan gallery record: %w", err)
	}
	return &rec, nil
}

func scanRecord(row pgx.Row) (model.GalleryRecord, error) {
	var (
		rec    model.GalleryRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.Prompt, &rec.NegativePrompt, &rec.Backend, &rec.Width, &rec.Height, &rec.MimeType,
		&rec.ImageData, &rec.ImageKey, &rec.StyleLabel, &rec.Attribution, &rec.CallerID,
		&status, &rec.LikeCount, &rec.CreatedAt)
	rec.ModerationStatus = model.ModerationStatus(status)
	return rec, err
}

func collectRecords(rows pgx.Rows) ([]model.GalleryRecord, error) {
	defer rows.Close()
	records := []model.GalleryRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RETURNING rows come back in no particular order.
func sortOldestFirst(records []model.GalleryRecord) {
	sort.Slice(records, func(i, j int) bool { return olderThan(&records[i], &records[j]) })
}
