package scheduler

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/bemcculley/auto-merge/observability"
	"github.com/bemcculley/auto-merge/queue"
)

// QueueMonitor periodically refreshes the queue_depth and
// queue_oldest_age_seconds gauges across every repo with known work: a
// single background loop sweeping shared state rather than updating
// gauges inline on every DQS call, which would mean instrumenting every
// call site instead of one.
type QueueMonitor struct {
	store    queue.Store
	interval time.Duration
}

func NewQueueMonitor(store queue.Store, interval time.Duration) *QueueMonitor {
	return &QueueMonitor{store: store, interval: interval}
}

func (m *QueueMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *QueueMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *QueueMonitor) sweep(ctx context.Context) {
	repos, err := m.store.ListReposWithWork(ctx)
	if err != nil {
		log.Printf("queue_monitor: list_repos_with_work: %v", err)
		return
	}

	seenInstallations := make(map[int64]bool)

	for _, repo := range repos {
		inst := strconv.FormatInt(repo.InstallationID, 10)
		labels := []string{inst, repo.Owner, repo.Repo}

		depth, err := m.store.QueueDepth(ctx, repo)
		if err != nil {
			log.Printf("queue_monitor: queue_depth %s: %v", repo, err)
			continue
		}
		observability.QueueDepth.WithLabelValues(labels...).Set(float64(depth))

		oldest, err := m.store.OldestEnqueuedAt(ctx, repo)
		if err != nil {
			log.Printf("queue_monitor: oldest_enqueued_at %s: %v", repo, err)
			continue
		}
		age := 0.0
		if !oldest.IsZero() {
			age = time.Since(oldest).Seconds()
		}
		observability.QueueOldestAgeSeconds.WithLabelValues(labels...).Set(age)

		if !seenInstallations[repo.InstallationID] {
			seenInstallations[repo.InstallationID] = true
			m.refreshBackpressureGauge(ctx, repo.InstallationID)
		}
	}
}

func (m *QueueMonitor) refreshBackpressureGauge(ctx context.Context, installationID int64) {
	until, err := m.store.GetThrottle(ctx, installationID)
	if err != nil {
		return
	}
	inst := strconv.FormatInt(installationID, 10)
	if time.Now().Before(until) {
		observability.BackpressureActive.WithLabelValues(inst).Set(1)
	} else {
		observability.BackpressureActive.WithLabelValues(inst).Set(0)
	}
}
