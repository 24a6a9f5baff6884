package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
	"github.com/LordVaderXIII/Appmanager/internal/repository"
)

const errorColumns = `fingerprint, repo_id, context, sample, occurrences, forward_status, first_seen, last_seen`

func scanErrorRecord(row pgx.Row) (*domain.ErrorRecord, error) {
	var (
		rec     domain.ErrorRecord
		forward string
	)
	if err := row.Scan(&rec.Fingerprint, &rec.RepoID, &rec.Context, &rec.Sample,
		&rec.Occurrences, &forward, &rec.FirstSeen, &rec.LastSeen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	rec.Forward = domain.ForwardStatus(forward)
	return &rec, nil
}

// GetErrorRecord fetches a record by repository and fingerprint.
func (r *Repository) GetErrorRecord(ctx context.Context, repoID, fingerprint string) (*domain.ErrorRecord, error) {
	query := `SELECT ` + errorColumns + ` FROM error_records WHERE repo_id = $1 AND fingerprint = $2`
	return scanErrorRecord(r.pool.QueryRow(ctx, query, repoID, fingerprint))
}

// CreateErrorRecord inserts the first occurrence of a fingerprint.
func (r *Repository) CreateErrorRecord(ctx context.Context, rec *domain.ErrorRecord) error {
	const query = `INSERT INTO error_records
		(fingerprint, repo_id, context, sample, occurrences, forward_status, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, rec.Fingerprint, rec.RepoID, rec.Context,
		rec.Sample, rec.Occurrences, string(rec.Forward), rec.FirstSeen, rec.LastSeen)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

// TouchErrorRecord bumps last-seen and the occurrence count in place.
func (r *Repository) TouchErrorRecord(ctx context.Context, repoID, fingerprint string) error {
	const query = `UPDATE error_records
		SET occurrences = occurrences + 1, last_seen = $3
		WHERE repo_id = $1 AND fingerprint = $2`
	tag, err := r.pool.Exec(ctx, query, repoID, fingerprint, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetForwardStatus records the delivery state of a record.
func (r *Repository) SetForwardStatus(ctx context.Context, repoID, fingerprint string, status domain.ForwardStatus) error {
	const query = `UPDATE error_records SET forward_status = $3
		WHERE repo_id = $1 AND fingerprint = $2`
	tag, err := r.pool.Exec(ctx, query, repoID, fingerprint, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListErrorRecords returns the most recently seen records for a repository.
func (r *Repository) ListErrorRecords(ctx context.Context, repoID string, limit int) ([]domain.ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + errorColumns + ` FROM error_records
		WHERE repo_id = $1 ORDER BY last_seen DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectErrorRecords(rows)
}

// ListPendingForwards returns records still owed to the fix service.
func (r *Repository) ListPendingForwards(ctx context.Context, repoID string) ([]domain.ErrorRecord, error) {
	query := `SELECT ` + errorColumns + ` FROM error_records
		WHERE repo_id = $1 AND forward_status IN ($2, $3) ORDER BY first_seen ASC`
	rows, err := r.pool.Query(ctx, query, repoID,
		string(domain.ForwardPending), string(domain.ForwardFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectErrorRecords(rows)
}

func collectErrorRecords(rows pgx.Rows) ([]domain.ErrorRecord, error) {
	records := make([]domain.ErrorRecord, 0)
	for rows.Next() {
		rec, err := scanErrorRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
