package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
)

// CreateBuildRun appends a build attempt to the history.
func (r *Repository) CreateBuildRun(ctx context.Context, run *domain.BuildRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	const query = `INSERT INTO build_runs
		(id, repo_id, revision, outcome, image_tag, log_excerpt, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, run.ID, run.RepoID, run.Revision,
		string(run.Outcome), run.ImageTag, run.LogExcerpt, run.StartedAt, run.FinishedAt)
	return err
}

// ListBuildRuns returns the most recent build attempts for a repository.
func (r *Repository) ListBuildRuns(ctx context.Context, repoID string, limit int) ([]domain.BuildRun, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, repo_id, revision, outcome, image_tag, log_excerpt, started_at, finished_at
		FROM build_runs WHERE repo_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, repoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.BuildRun, 0)
	for rows.Next() {
		var (
			run     domain.BuildRun
			outcome string
		)
		if err := rows.Scan(&run.ID, &run.RepoID, &run.Revision, &outcome,
			&run.ImageTag, &run.LogExcerpt, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.Outcome = domain.BuildOutcome(outcome)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
