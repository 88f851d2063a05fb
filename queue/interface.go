package queue

import (
	"context"
	"time"
)

// Store is the durable queue store interface the scheduler and pipeline are
// written against. Every method is atomic; callers compose them —
// no method here performs a multi-step operation that could leave the
// store's invariants half-updated.
type Store interface {
	// Enqueue appends item to repo's tail unless its dedup key is already
	// present, in which case it returns Deduped and the item is dropped.
	Enqueue(ctx context.Context, item WorkItem) (EnqueueResult, error)

	// PopHead atomically removes and returns the head of repo's list,
	// recording it as leaseToken's in-flight item. It does NOT clear the
	// dedup set entry — the item is now in-flight. Returns (nil, nil) when
	// the list is empty. A worker that dies before calling Complete,
	// RequeueTail, or PushDLQ leaves the item recorded; the next
	// AcquireLease for repo (after this lease expires) restores it to the
	// list head, so no popped item is ever lost to a crash.
	PopHead(ctx context.Context, repo RepoKey, leaseToken string) (*WorkItem, error)

	// Complete removes item's dedup set entry. Called on success, DLQ, or
	// an explicit drop.
	Complete(ctx context.Context, item WorkItem) error

	// RequeueTail appends item to repo's tail; the dedup set is untouched
	// since the item was already in-flight (still a member).
	RequeueTail(ctx context.Context, item WorkItem) error

	// AcquireLease attempts to claim repo's exclusive pipeline slot for ttl.
	// Returns a fresh opaque token on success, or ErrBusy.
	AcquireLease(ctx context.Context, repo RepoKey, ttl time.Duration) (token string, err error)

	// RefreshLease extends the lease's TTL only if token is still the
	// holder. Returns ErrLeaseLost otherwise (e.g. another worker took over
	// after expiry).
	RefreshLease(ctx context.Context, repo RepoKey, token string, ttl time.Duration) error

	// ReleaseLease deletes the lease only if token matches the current holder.
	ReleaseLease(ctx context.Context, repo RepoKey, token string) error

	// SetThrottle opens a per-installation cooldown window until `until`.
	SetThrottle(ctx context.Context, installationID int64, until time.Time) error

	// GetThrottle returns the installation's current cooldown deadline, or
	// the zero time if none is set.
	GetThrottle(ctx context.Context, installationID int64) (time.Time, error)

	// PushDLQ records a terminal failure for manual replay.
	PushDLQ(ctx context.Context, item WorkItem, reason string) error

	// ListDLQ returns the dead-lettered items for repo, oldest first.
	ListDLQ(ctx context.Context, repo RepoKey) ([]DLQEntry, error)

	// ListReposWithWork returns repos that currently have at least one
	// item queued, in-flight, or dead-lettered. Used by the scheduler for
	// fair rotation and by diagnostics/metrics for queue depth reporting.
	ListReposWithWork(ctx context.Context) ([]RepoKey, error)

	// QueueDepth returns the number of items currently queued for repo
	// (excludes the in-flight item, if any).
	QueueDepth(ctx context.Context, repo RepoKey) (int, error)

	// OldestEnqueuedAt returns the EnqueuedAt of repo's head item, or the
	// zero time if the list is empty. Used for queue_oldest_age_seconds.
	OldestEnqueuedAt(ctx context.Context, repo RepoKey) (time.Time, error)
}
