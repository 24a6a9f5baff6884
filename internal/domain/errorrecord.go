package domain

import "time"

// ForwardStatus tracks delivery of an error record to the fix service.
type ForwardStatus string

const (
	ForwardPending ForwardStatus = "pending"
	ForwardSent    ForwardStatus = "sent"
	ForwardFailed  ForwardStatus = "failed"
)

// ErrorRecord deduplicates captured failures by content fingerprint.
// A repeat occurrence of the same fingerprint bumps LastSeen and
// Occurrences in place instead of inserting a new row.
type ErrorRecord struct {
	Fingerprint string
	RepoID      string
	Context     string
	Sample      string
	Occurrences int
	Forward     ForwardStatus
	FirstSeen   time.Time
	LastSeen    time.Time
}
