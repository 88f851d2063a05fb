// Package scheduler runs a pool of symmetric worker loops: each loop
// independently picks a repo with pending work, respects installation
// backpressure, acquires that repo's lease, and drives one work item
// through the Merge Pipeline. There is no single elected coordinator —
// the DQS lease is the only exclusion mechanism, and any worker may
// service any repo.
package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/bemcculley/auto-merge/observability"
	"github.com/bemcculley/auto-merge/pipeline"
	"github.com/bemcculley/auto-merge/queue"
)

// EventPublisher is implemented by the ops stream hub. Scheduler calls
// are best-effort and never block on a slow/disconnected subscriber.
type EventPublisher interface {
	Publish(event string, repo queue.RepoKey, item queue.WorkItem, detail string)
}

// Config bounds the scheduler's behavior.
type Config struct {
	Workers           int
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	MaxRetries        int
	StarvationWindow  time.Duration
	IdleSleep         time.Duration // base sleep when a worker finds no work
	IdleJitter        time.Duration
	Backpressure      BackpressureConfig
}

// Scheduler owns the pool of worker loops.
type Scheduler struct {
	Store  queue.Store
	Runner *pipeline.Runner
	Gate   *InstallationGate
	Events EventPublisher
	Config Config
}

// Run starts Config.Workers worker loops and blocks until ctx is
// cancelled, then waits for all loops to return.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	workers := s.Config.Workers
	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.tick(ctx) {
			continue
		}
		s.sleepIdle(ctx)
	}
}

// tick runs one iteration of the scheduler loop body: pick a repo, check
// backpressure, acquire its lease, and drive one item through the
// pipeline. Returns true if it found and processed (or attempted) work,
// so the caller skips the idle sleep and tries again immediately.
func (s *Scheduler) tick(ctx context.Context) bool {
	repo, ok := s.pickRepo(ctx)
	if !ok {
		return false
	}

	until, err := s.Store.GetThrottle(ctx, repo.InstallationID)
	if err == nil && time.Now().Before(until) {
		return false
	}
	if !s.Gate.Allow(repo.InstallationID) {
		return false
	}

	token, err := s.Store.AcquireLease(ctx, repo, s.Config.LeaseTTL)
	if err != nil {
		if err != queue.ErrBusy {
			log.Printf("scheduler: acquire_lease %s: %v", repo, err)
		}
		observability.WorkerLockFailedTotal.Inc()
		return false
	}
	observability.WorkerLockAcquiredTotal.Inc()
	defer func() {
		if err := s.Store.ReleaseLease(ctx, repo, token); err != nil {
			log.Printf("scheduler: release_lease %s: %v", repo, err)
		}
	}()

	item, err := s.Store.PopHead(ctx, repo, token)
	if err != nil {
		log.Printf("scheduler: pop_head %s: %v", repo, err)
		return false
	}
	if item == nil {
		return false
	}

	if starved, requeued := s.applyStarvationControl(ctx, repo, *item); starved {
		s.publish("starvation_requeue", repo, requeued, "")
		return true
	}

	s.publish("dispatch", repo, *item, "")
	result := s.Runner.Run(ctx, repo, token, *item)
	s.applyOutcome(ctx, repo, *item, result)
	return true
}

// applyStarvationControl implements an at-most-once starvation requeue:
// an item that's been alive longer than StarvationWindow and hasn't been
// requeued for this reason before is appended to the tail once, with
// EnqueuedAt preserved and FirstSeenAt reset.
func (s *Scheduler) applyStarvationControl(ctx context.Context, repo queue.RepoKey, item queue.WorkItem) (bool, queue.WorkItem) {
	if item.StarvationRequeued || time.Since(item.FirstSeenAt) <= s.Config.StarvationWindow {
		return false, item
	}

	requeued := item
	requeued.FirstSeenAt = time.Now()
	requeued.StarvationRequeued = true

	if err := s.Store.RequeueTail(ctx, requeued); err != nil {
		log.Printf("scheduler: starvation requeue %s: %v", repo, err)
		return false, item
	}
	observability.StarvationRequeueTotal.Inc()
	return true, requeued
}

// applyOutcome maps a pipeline Result onto the DQS: done → complete,
// retry → requeue_tail (or DLQ once the retry budget is exhausted),
// dlq → push_dlq, lease_lost → no mutation at all.
func (s *Scheduler) applyOutcome(ctx context.Context, repo queue.RepoKey, item queue.WorkItem, result pipeline.Result) {
	switch result.Outcome {
	case pipeline.OutcomeDone:
		if err := s.Store.Complete(ctx, item); err != nil {
			log.Printf("scheduler: complete %s: %v", repo, err)
		}
		s.publish("done", repo, item, result.Reason)

	case pipeline.OutcomeDLQ:
		if err := s.Store.PushDLQ(ctx, item, result.Reason); err != nil {
			log.Printf("scheduler: push_dlq %s: %v", repo, err)
		}
		observability.DLQPushesTotal.WithLabelValues(result.Reason).Inc()
		s.publish("dlq", repo, item, result.Reason)

	case pipeline.OutcomeRetry:
		item.Attempt++
		if item.Attempt >= s.Config.MaxRetries {
			if err := s.Store.PushDLQ(ctx, item, result.Reason); err != nil {
				log.Printf("scheduler: push_dlq (retries exhausted) %s: %v", repo, err)
			}
			observability.DLQPushesTotal.WithLabelValues(result.Reason).Inc()
			s.publish("dlq", repo, item, result.Reason+"_retries_exhausted")
			return
		}
		if err := s.Store.RequeueTail(ctx, item); err != nil {
			log.Printf("scheduler: requeue_tail %s: %v", repo, err)
		}
		s.publish("retry", repo, item, result.Reason)

	case pipeline.OutcomeLeaseLost:
		// No DQS mutation: the item is already back at the head under
		// whoever took the lease over.
		s.publish("lease_lost", repo, item, "")
	}
}

// pickRepo picks a repo with pending work using a uniformly random choice
// across the active set — fair rotation with no persistent favoritism.
func (s *Scheduler) pickRepo(ctx context.Context) (queue.RepoKey, bool) {
	repos, err := s.Store.ListReposWithWork(ctx)
	if err != nil {
		log.Printf("scheduler: list_repos_with_work: %v", err)
		return queue.RepoKey{}, false
	}
	if len(repos) == 0 {
		return queue.RepoKey{}, false
	}
	return repos[rand.Intn(len(repos))], true
}

func (s *Scheduler) sleepIdle(ctx context.Context) {
	delay := s.Config.IdleSleep
	if s.Config.IdleJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(s.Config.IdleJitter)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (s *Scheduler) publish(event string, repo queue.RepoKey, item queue.WorkItem, detail string) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(event, repo, item, detail)
}
