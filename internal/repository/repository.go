package repository

import (
	"context"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
)

// RepoRepository persists tracked repositories.
type RepoRepository interface {
	CreateRepo(ctx context.Context, repo *domain.TrackedRepo) error
	GetRepoByID(ctx context.Context, id string) (*domain.TrackedRepo, error)
	GetRepoByURL(ctx context.Context, url string) (*domain.TrackedRepo, error)
	ListRepos(ctx context.Context) ([]domain.TrackedRepo, error)
	UpdateRepoSync(ctx context.Context, update domain.RepoSyncUpdate) error
	UpdateRepoOverrides(ctx context.Context, id string, overrides domain.SpecOverrides) error
	SetForceSync(ctx context.Context, id string, force bool) error
	DeleteRepo(ctx context.Context, id string) error
}

// BuildRunRepository stores append-only build history.
type BuildRunRepository interface {
	CreateBuildRun(ctx context.Context, run *domain.BuildRun) error
	ListBuildRuns(ctx context.Context, repoID string, limit int) ([]domain.BuildRun, error)
}

// ErrorRecordRepository stores deduplicated failure records keyed by
// fingerprint.
type ErrorRecordRepository interface {
	GetErrorRecord(ctx context.Context, repoID, fingerprint string) (*domain.ErrorRecord, error)
	CreateErrorRecord(ctx context.Context, rec *domain.ErrorRecord) error
	TouchErrorRecord(ctx context.Context, repoID, fingerprint string) error
	SetForwardStatus(ctx context.Context, repoID, fingerprint string, status domain.ForwardStatus) error
	ListErrorRecords(ctx context.Context, repoID string, limit int) ([]domain.ErrorRecord, error)
	ListPendingForwards(ctx context.Context, repoID string) ([]domain.ErrorRecord, error)
}
