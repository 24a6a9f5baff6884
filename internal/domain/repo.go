package domain

import "time"

// RepoState names the lifecycle stage of a tracked repository's managed
// container.
type RepoState string

const (
	StateNone        RepoState = "none"
	StateSyncing     RepoState = "syncing"
	StateBuilding    RepoState = "building"
	StateBuilt       RepoState = "built"
	StateRunning     RepoState = "running"
	StateBuildFailed RepoState = "build_failed"
	StateRunFailed   RepoState = "run_failed"
	StateSyncFailed  RepoState = "sync_failed"
)

// TrackedRepo is a repository kept in sync with a running container.
type TrackedRepo struct {
	ID             string
	URL            string
	Name           string
	Branch         string
	Username       string
	EncryptedToken []byte
	LastRevision   string
	State          RepoState
	ImageTag       string
	ContainerName  string
	LastLogExcerpt string
	ForceSync      bool
	Overrides      SpecOverrides
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SpecOverrides carries per-field user overrides applied on top of the
// extracted launch spec. Nil / empty fields leave the extracted value alone.
type SpecOverrides struct {
	ContainerName string            `json:"container_name,omitempty"`
	InternalPort  int               `json:"internal_port,omitempty"`
	Ports         map[string]string `json:"ports,omitempty"`
	Volumes       map[string]string `json:"volumes,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// RepoSyncUpdate captures the fields a cycle writes back. Empty
// LastRevision, ImageTag and ContainerName leave the stored values alone;
// LastLogExcerpt is only written when SetExcerpt is true, so the
// intermediate state transitions of a cycle never blank the excerpt from
// the previous attempt.
type RepoSyncUpdate struct {
	RepoID         string
	State          RepoState
	LastRevision   string
	ImageTag       string
	ContainerName  string
	LastLogExcerpt string
	SetExcerpt     bool
	ClearForce     bool
}
