package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mahabhulekh/ferfar-extracts/internal/job"
)

var ErrInvalidConfig = errors.New("job/postgres: invalid config")

type Config struct {
	// UniquePaymentID enforces one request per payment id at the schema level.
	// Off by default: replaying a payment then creates a second job, matching
	// the historical behaviour.
	UniquePaymentID bool
}

type Store struct {
	pool *pgxpool.Pool
	cfg  Config
}

func New(pool *pgxpool.Pool, cfg Config) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool, cfg: cfg}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("job/postgres: ensure schema: %w", err)
	}
	if s.cfg.UniquePaymentID {
		if _, err := s.pool.Exec(ctx, uniquePaymentIndexSQL); err != nil {
			return fmt.Errorf("job/postgres: ensure payment id index: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, r job.Request) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return 0, err
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO extraction_requests (district, taluka, village, mutation_no, doc_type, status, payment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, r.District, r.Taluka, r.Village, r.MutationNo, r.DocType, string(r.Status), r.PaymentID).Scan(&id)
	if err != nil {
		if isUniquePaymentViolation(err) {
			return 0, job.ErrPaymentReplayed
		}
		return 0, fmt.Errorf("job/postgres: insert: %w", err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id int64) (job.Request, error) {
	if s == nil || s.pool == nil {
		return job.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		r      job.Request
		status string
		pdfURL *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, district, taluka, village, mutation_no, doc_type, status, pdf_url, payment_id, created_at
		FROM extraction_requests
		WHERE id = $1
	`, id).Scan(
		&r.ID,
		&r.District,
		&r.Taluka,
		&r.Village,
		&r.MutationNo,
		&r.DocType,
		&status,
		&pdfURL,
		&r.PaymentID,
		&r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Request{}, job.ErrNotFound
		}
		return job.Request{}, fmt.Errorf("job/postgres: get: %w", err)
	}

	r.Status = job.Status(status)
	if pdfURL != nil {
		r.PDFURL = *pdfURL
	}
	return r, nil
}

func (s *Store) ListOrphaned(ctx context.Context, olderThan time.Duration, limit int) ([]job.Request, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM extraction_requests
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, string(job.StatusProcessing), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("job/postgres: list orphaned: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("job/postgres: scan orphaned row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job/postgres: orphaned rows: %w", err)
	}

	out := make([]job.Request, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id int64, pdfURL string) error {
	return s.writeBack(ctx, id, job.StatusCompleted, &pdfURL)
}

func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	return s.writeBack(ctx, id, job.StatusFailed, nil)
}

func (s *Store) writeBack(ctx context.Context, id int64, target job.Status, pdfURL *string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_requests
		SET status = $2, pdf_url = COALESCE($3, pdf_url)
		WHERE id = $1 AND status = $4
	`, id, string(target), pdfURL, string(job.StatusProcessing))
	if err != nil {
		return fmt.Errorf("job/postgres: mark %s: %w", target, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: distinguish missing row, idempotent repeat, and a
	// disallowed transition off a terminal status.
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == target {
		if target == job.StatusCompleted && pdfURL != nil && current.PDFURL != *pdfURL {
			return job.ErrInvalidTransition
		}
		return nil
	}
	return job.ErrInvalidTransition
}

func isUniquePaymentViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == uniquePaymentIndexName
}

var _ job.Store = (*Store)(nil)
