package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
	"github.com/LordVaderXIII/Appmanager/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.RepoRepository        = (*Repository)(nil)
	_ repository.BuildRunRepository    = (*Repository)(nil)
	_ repository.ErrorRecordRepository = (*Repository)(nil)
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateRepo inserts a tracked repository.
func (r *Repository) CreateRepo(ctx context.Context, repo *domain.TrackedRepo) error {
	overrides, err := json.Marshal(repo.Overrides)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}
	if repo.UpdatedAt.IsZero() {
		repo.UpdatedAt = repo.CreatedAt
	}
	const query = `INSERT INTO tracked_repos
		(id, url, name, branch, username, encrypted_token, last_revision, state, image_tag, container_name, last_log_excerpt, force_sync, overrides, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = r.pool.Exec(ctx, query,
		repo.ID, repo.URL, repo.Name, repo.Branch, repo.Username, repo.EncryptedToken,
		repo.LastRevision, string(repo.State), repo.ImageTag, repo.ContainerName,
		repo.LastLogExcerpt, repo.ForceSync, overrides, repo.CreatedAt, repo.UpdatedAt)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

const repoColumns = `id, url, name, branch, username, encrypted_token, last_revision, state, image_tag, container_name, last_log_excerpt, force_sync, overrides, created_at, updated_at`

func scanRepo(row pgx.Row) (*domain.TrackedRepo, error) {
	var (
		repo      domain.TrackedRepo
		state     string
		overrides []byte
	)
	if err := row.Scan(&repo.ID, &repo.URL, &repo.Name, &repo.Branch, &repo.Username,
		&repo.EncryptedToken, &repo.LastRevision, &state, &repo.ImageTag,
		&repo.ContainerName, &repo.LastLogExcerpt, &repo.ForceSync, &overrides,
		&repo.CreatedAt, &repo.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	repo.State = domain.RepoState(state)
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &repo.Overrides); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
	}
	return &repo, nil
}

// GetRepoByID fetches a tracked repository by identifier.
func (r *Repository) GetRepoByID(ctx context.Context, id string) (*domain.TrackedRepo, error) {
	query := `SELECT ` + repoColumns + ` FROM tracked_repos WHERE id = $1`
	return scanRepo(r.pool.QueryRow(ctx, query, id))
}

// GetRepoByURL fetches a tracked repository by remote URL.
func (r *Repository) GetRepoByURL(ctx context.Context, url string) (*domain.TrackedRepo, error) {
	query := `SELECT ` + repoColumns + ` FROM tracked_repos WHERE url = $1`
	return scanRepo(r.pool.QueryRow(ctx, query, url))
}

// ListRepos returns every tracked repository ordered by registration time.
func (r *Repository) ListRepos(ctx context.Context) ([]domain.TrackedRepo, error) {
	query := `SELECT ` + repoColumns + ` FROM tracked_repos ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	repos := make([]domain.TrackedRepo, 0)
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *repo)
	}
	return repos, rows.Err()
}

// UpdateRepoSync writes a completed cycle's outcome back to the record.
func (r *Repository) UpdateRepoSync(ctx context.Context, update domain.RepoSyncUpdate) error {
	const query = `UPDATE tracked_repos
		SET state = $2,
			last_revision = COALESCE(NULLIF($3, ''), last_revision),
			image_tag = COALESCE(NULLIF($4, ''), image_tag),
			container_name = COALESCE(NULLIF($5, ''), container_name),
			last_log_excerpt = CASE WHEN $7 THEN $6 ELSE last_log_excerpt END,
			force_sync = CASE WHEN $8 THEN FALSE ELSE force_sync END,
			updated_at = $9
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.RepoID, string(update.State),
		update.LastRevision, update.ImageTag, update.ContainerName,
		update.LastLogExcerpt, update.SetExcerpt, update.ClearForce, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateRepoOverrides replaces the stored launch-spec overrides.
func (r *Repository) UpdateRepoOverrides(ctx context.Context, id string, overrides domain.SpecOverrides) error {
	payload, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encode overrides: %w", err)
	}
	const query = `UPDATE tracked_repos SET overrides = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetForceSync flags or clears a forced rebuild request.
func (r *Repository) SetForceSync(ctx context.Context, id string, force bool) error {
	const query = `UPDATE tracked_repos SET force_sync = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, force, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteRepo removes a tracked repository and its dependent history.
func (r *Repository) DeleteRepo(ctx context.Context, id string) error {
	const query = `DELETE FROM tracked_repos WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
