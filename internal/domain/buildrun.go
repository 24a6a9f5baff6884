package domain

import "time"

// BuildOutcome reports whether a build attempt produced an image and a
// running container.
type BuildOutcome string

const (
	OutcomeSuccess     BuildOutcome = "success"
	OutcomeBuildFailed BuildOutcome = "build_failed"
	OutcomeRunFailed   BuildOutcome = "run_failed"
)

// BuildRun records a single build-and-run attempt. Rows are append-only.
type BuildRun struct {
	ID         string
	RepoID     string
	Revision   string
	Outcome    BuildOutcome
	ImageTag   string
	LogExcerpt string
	StartedAt  time.Time
	FinishedAt time.Time
}
