package scheduler

import (
	"context"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bemcculley/auto-merge/githubapi"
	"github.com/bemcculley/auto-merge/observability"
	"github.com/bemcculley/auto-merge/queue"
)

// InstallationGate paces pipeline dispatch per installation with a local,
// in-process token bucket. It is independent of the cooldown window,
// which lives in the DQS throttle key shared across every process and is
// read from the store on every scheduler tick before the gate is
// consulted. The API facade does not use the gate.
type InstallationGate struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewInstallationGate builds a gate allowing r requests/second per
// installation with the given burst.
func NewInstallationGate(r float64, burst int) *InstallationGate {
	return &InstallationGate{
		limiters: make(map[int64]*rate.Limiter),
		r:        rate.Limit(r),
		burst:    burst,
	}
}

func (g *InstallationGate) limiterFor(installationID int64) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[installationID]
	if !ok {
		l = rate.NewLimiter(g.r, g.burst)
		g.limiters[installationID] = l
	}
	return l
}

// Allow reports whether installationID may dispatch another pipeline run
// right now under the local pacing budget.
func (g *InstallationGate) Allow(installationID int64) bool {
	return g.limiterFor(installationID).Allow()
}

// BackpressureConfig holds the thresholds governing installation cooldown.
type BackpressureConfig struct {
	MinRemaining    int
	CooldownSeconds int
	JitterSeconds   int
	MaxBackoff      time.Duration
}

// CooldownUntil computes the installation throttle deadline:
// max(reset_at, now+cooldown) + jitter(0..jitter), capped by MaxBackoff.
func (c BackpressureConfig) CooldownUntil(now, resetAt time.Time) time.Time {
	floor := now.Add(time.Duration(c.CooldownSeconds) * time.Second)
	until := resetAt
	if until.Before(floor) {
		until = floor
	}
	if c.JitterSeconds > 0 {
		until = until.Add(time.Duration(rand.Intn(c.JitterSeconds+1)) * time.Second)
	}
	if ceiling := now.Add(c.MaxBackoff); until.After(ceiling) {
		until = ceiling
	}
	return until
}

// RateLimitObserver reacts to the facade's post-call quota snapshot,
// opening an installation-wide DQS throttle when quota runs low. Wired
// as the onRate callback passed to githubapi.NewClient.
type RateLimitObserver struct {
	Store  queue.Store
	Config BackpressureConfig
}

func (o *RateLimitObserver) Observe(installationID int64, snap githubapi.RateLimitSnapshot) {
	inst := strconv.FormatInt(installationID, 10)
	observability.GithubRateLimitRemaining.WithLabelValues(inst).Set(float64(snap.Remaining))
	if !snap.ResetAt.IsZero() {
		observability.GithubRateLimitReset.WithLabelValues(inst).Set(float64(snap.ResetAt.Unix()))
	}

	lowQuota := snap.HasRemaining && snap.Remaining <= o.Config.MinRemaining
	throttled := snap.RetryAfter > 0
	if !lowQuota && !throttled {
		return
	}

	now := time.Now()
	resetAt := snap.ResetAt
	if throttled && snap.RetryAfter > 0 {
		candidate := now.Add(snap.RetryAfter)
		if candidate.After(resetAt) {
			resetAt = candidate
		}
	}
	until := o.Config.CooldownUntil(now, resetAt)

	if err := o.Store.SetThrottle(context.Background(), installationID, until); err != nil {
		log.Printf("backpressure: set_throttle installation=%d: %v", installationID, err)
		return
	}
	observability.BackpressureActive.WithLabelValues(inst).Set(1)
	if !throttled {
		// Throttling responses are already counted by the facade.
		observability.ThrottlesTotal.WithLabelValues(inst).Inc()
	}
}
