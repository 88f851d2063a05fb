// Package queue implements the durable queue store (DQS): a per-repository
// FIFO list, dedup set, lease, throttle, and dead-letter list. The
// interface is storage-agnostic; MemoryStore and RedisStore both satisfy it.
package queue

import (
	"fmt"
	"time"
)

// WorkItem is the unit of scheduling: one attempt to evaluate/merge a PR.
type WorkItem struct {
	InstallationID int64     `json:"installation_id"`
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	PRNumber       int       `json:"pr_number"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempt        int       `json:"attempt"`
	FirstSeenAt    time.Time `json:"first_seen_at"`

	// StarvationRequeued marks that this item already consumed its single
	// starvation-tail-requeue; never reset by RequeueTail.
	StarvationRequeued bool `json:"starvation_requeued"`
}

// RepoKey identifies the repo-scoped queue partition.
type RepoKey struct {
	InstallationID int64
	Owner          string
	Repo           string
}

func (k RepoKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.InstallationID, k.Owner, k.Repo)
}

// Repo_ returns the RepoKey this item belongs to.
func (w *WorkItem) Repo_() RepoKey {
	return RepoKey{InstallationID: w.InstallationID, Owner: w.Owner, Repo: w.Repo}
}

// DedupKey is the canonical string identifying (installation, owner, repo, pr).
func (w *WorkItem) DedupKey() string {
	return DedupKey(w.InstallationID, w.Owner, w.Repo, w.PRNumber)
}

// DedupKey builds the canonical dedup key string.
func DedupKey(installationID int64, owner, repo string, prNumber int) string {
	return fmt.Sprintf("%d:%s/%s#%d", installationID, owner, repo, prNumber)
}

// EnqueueResult is the outcome of an Enqueue call.
type EnqueueResult int

const (
	Enqueued EnqueueResult = iota
	Deduped
)

// DLQEntry is a terminal work item awaiting manual triage.
type DLQEntry struct {
	Item      WorkItem  `json:"item"`
	Reason    string    `json:"reason"`
	PushedAt  time.Time `json:"pushed_at"`
}

// ErrBusy is returned by AcquireLease when another worker holds it.
var ErrBusy = fmt.Errorf("lease held by another worker")

// ErrLeaseLost is returned by RefreshLease when the caller no longer owns it.
var ErrLeaseLost = fmt.Errorf("lease lost: token mismatch or expired")
