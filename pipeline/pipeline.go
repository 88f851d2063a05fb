package pipeline

import (
	"context"
	"time"

	"github.com/bemcculley/auto-merge/githubapi"
	"github.com/bemcculley/auto-merge/observability"
	"github.com/bemcculley/auto-merge/queue"
)

// AuditWriter records the outcome of one pipeline run. Implemented by the audit
// package's Postgres-backed writer; best-effort by contract, so Run never
// treats a failed write as a pipeline failure.
type AuditWriter interface {
	RecordAttempt(ctx context.Context, rec AttemptRecord)
}

// AttemptRecord is what gets handed to the audit trail after every Run
// that does not end in lease loss, retry outcomes included.
type AttemptRecord struct {
	InstallationID int64
	Owner, Repo    string
	PRNumber       int
	Outcome        string
	Reason         string
	Attempt        int
}

// Config bounds pipeline behavior during a single run. The retry budget
// itself (MAX_RETRIES) is a scheduler-level decision made after Run
// returns, since only the scheduler knows the item's attempt history.
type Config struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// API is the subset of the facade the pipeline drives. Narrowed to an
// interface (rather than *githubapi.Client directly) so tests can swap in
// a fake without standing up HTTP.
type API interface {
	GetPullRequest(ctx context.Context, installationID int64, owner, repo string, number int) (*githubapi.PullRequest, error)
	LoadPolicy(ctx context.Context, installationID int64, owner, repo, ref string) (githubapi.RepoPolicy, error)
	GetCombinedStatus(ctx context.Context, installationID int64, owner, repo, ref string) (*githubapi.CombinedStatus, error)
	GetCheckSuites(ctx context.Context, installationID int64, owner, repo, ref string) ([]githubapi.CheckSuite, error)
	UpdateBranch(ctx context.Context, installationID int64, owner, repo string, number int, expectedHeadSHA string) (githubapi.UpdateBranchResult, error)
	MergePullRequest(ctx context.Context, installationID int64, owner, repo string, number int, expectedHeadSHA, title, message string, method githubapi.MergeMethod) (githubapi.MergeResult, error)
}

// Runner executes one work item through LOAD_POLICY → EVALUATE →
// UPDATE_BRANCH → WAIT_CHECKS → MERGE.
type Runner struct {
	API    API
	Store  queue.Store
	Audit  AuditWriter
	Config Config
}

// Run drives item through the state machine. repo and leaseToken identify
// the lease the caller is holding; Run heartbeats it during WAIT_CHECKS
// and aborts cleanly (OutcomeLeaseLost, no DQS mutation) if it's lost.
func (r *Runner) Run(ctx context.Context, repo queue.RepoKey, leaseToken string, item queue.WorkItem) Result {
	start := time.Now()
	observability.WorkerActive.Inc()
	defer func() {
		observability.WorkerActive.Dec()
		observability.WorkerProcessingSeconds.Observe(time.Since(start).Seconds())
	}()

	result := r.run(ctx, repo, leaseToken, item)

	if result.Outcome == OutcomeRetry {
		observability.RetriesTotal.WithLabelValues(result.Reason).Inc()
	}

	if result.Outcome != OutcomeLeaseLost && r.Audit != nil {
		r.Audit.RecordAttempt(ctx, AttemptRecord{
			InstallationID: item.InstallationID,
			Owner:          item.Owner,
			Repo:           item.Repo,
			PRNumber:       item.PRNumber,
			Outcome:        result.Outcome.String(),
			Reason:         result.Reason,
			Attempt:        item.Attempt,
		})
	}
	return result
}

func (r *Runner) run(ctx context.Context, repo queue.RepoKey, leaseToken string, item queue.WorkItem) Result {
	// LOAD_POLICY
	pr, err := r.API.GetPullRequest(ctx, item.InstallationID, item.Owner, item.Repo, item.PRNumber)
	if err != nil {
		return retry("transport_error")
	}

	policy, err := r.API.LoadPolicy(ctx, item.InstallationID, item.Owner, item.Repo, pr.BaseRef)
	if err != nil {
		if _, ok := err.(*githubapi.PolicyParseError); ok {
			return dlq("config_invalid")
		}
		return retry("transport_error")
	}
	if err := ValidateTemplate(policy.TitleTemplate); err != nil {
		return dlq("config_invalid")
	}
	if err := ValidateTemplate(policy.BodyTemplate); err != nil {
		return dlq("config_invalid")
	}

	// EVALUATE
	if verdict := evaluate(pr, policy); verdict != "" {
		if verdict == "blocked_by_policy" {
			observability.MergeBlockedTotal.WithLabelValues(verdict).Inc()
		}
		return done(verdict)
	}

	// UPDATE_BRANCH
	if policy.RequireUpToDate && policy.UpdateBranch && pr.MergeableState == githubapi.MergeableBehind {
		result, err := r.API.UpdateBranch(ctx, item.InstallationID, item.Owner, item.Repo, item.PRNumber, pr.HeadSHA)
		if err != nil {
			return retry("transport_error")
		}
		switch result {
		case githubapi.UpdateConflict:
			return dlq("update_branch_conflict")
		case githubapi.UpdateOK:
			select {
			case <-time.After(time.Duration(policy.PollIntervalSeconds) * time.Second):
			case <-ctx.Done():
				return retry("context_cancelled")
			}
			refreshed, err := r.API.GetPullRequest(ctx, item.InstallationID, item.Owner, item.Repo, item.PRNumber)
			if err != nil {
				return retry("transport_error")
			}
			pr = refreshed
		case githubapi.UpdateNotBehind:
			// Fall through to WAIT_CHECKS against the current head.
		}
	}

	// WAIT_CHECKS
	if waitResult := r.waitChecks(ctx, repo, leaseToken, item, pr, policy); waitResult != nil {
		return *waitResult
	}

	// MERGE: re-fetch and re-validate. The wait may have taken most of an
	// hour — the label, draft state, or head could all have moved on.
	freshPR, err := r.API.GetPullRequest(ctx, item.InstallationID, item.Owner, item.Repo, item.PRNumber)
	if err != nil {
		return retry("transport_error")
	}
	if verdict := evaluate(freshPR, policy); verdict != "" {
		if verdict == "blocked_by_policy" {
			observability.MergeBlockedTotal.WithLabelValues(verdict).Inc()
		}
		return done(verdict)
	}

	title := RenderTemplate(policy.TitleTemplate, freshPR)
	body := RenderTemplate(policy.BodyTemplate, freshPR)

	mergeResult, err := r.API.MergePullRequest(ctx, item.InstallationID, item.Owner, item.Repo, item.PRNumber, freshPR.HeadSHA, title, body, policy.MergeMethod)
	if err != nil {
		return retry("transport_error")
	}

	switch mergeResult {
	case githubapi.MergeMerged:
		return done("merged")
	case githubapi.MergeMismatchedSHA:
		// Transient: a new head arrived mid-run. No in-place merge retry —
		// requeue so the next attempt re-evaluates against the new SHA.
		return retry("head_moved")
	case githubapi.MergeForbidden:
		// Secondary rate limiting or a transient protection check;
		// backpressure is opened by the facade's rate-limit observer.
		// Requeue rather than drop — a later attempt may clear.
		return retry("forbidden")
	default: // MergeNotMergeable
		return done("not_mergeable")
	}
}

// evaluate returns a non-empty DROP reason if pr is ineligible, else "".
func evaluate(pr *githubapi.PullRequest, policy githubapi.RepoPolicy) string {
	if pr.State != "open" {
		return "closed"
	}
	if pr.Draft {
		return "draft"
	}
	if pr.Locked {
		return "locked"
	}
	if !hasLabel(pr.Labels, policy.Label) {
		return "missing_label"
	}
	switch pr.MergeableState {
	case githubapi.MergeableDirty:
		return "merge_conflict"
	case githubapi.MergeableBlocked:
		return "blocked_by_policy"
	}
	return ""
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// waitChecks polls combined status and check suites until green, a
// terminal failure, or policy.MaxWaitMinutes elapses, heartbeating the
// lease every HeartbeatInterval. Returns nil to signal "proceed to
// merge" and a non-nil *Result for any other outcome.
func (r *Runner) waitChecks(ctx context.Context, repo queue.RepoKey, leaseToken string, item queue.WorkItem, pr *githubapi.PullRequest, policy githubapi.RepoPolicy) *Result {
	deadline := time.Now().Add(time.Duration(policy.MaxWaitMinutes) * time.Minute)
	pollInterval := time.Duration(policy.PollIntervalSeconds) * time.Second
	lastHeartbeat := time.Now()
	waitStart := time.Now()
	defer func() {
		observability.ChecksWaitSeconds.Observe(time.Since(waitStart).Seconds())
	}()

	for {
		status, err := r.API.GetCombinedStatus(ctx, item.InstallationID, item.Owner, item.Repo, pr.HeadSHA)
		if err != nil {
			res := retry("transport_error")
			return &res
		}
		suites, err := r.API.GetCheckSuites(ctx, item.InstallationID, item.Owner, item.Repo, pr.HeadSHA)
		if err != nil {
			res := retry("transport_error")
			return &res
		}

		noChecks := status.State == githubapi.StatusNone && len(suites) == 0
		if noChecks && policy.AllowMergeWhenNoChecks {
			return nil
		}

		if status.State == githubapi.StatusFailure || anyFailed(suites) {
			res := done("checks_failed")
			return &res
		}

		if status.State == githubapi.StatusSuccess && allCompleted(suites) {
			return nil
		}

		if time.Now().After(deadline) {
			res := retry("checks_timeout")
			return &res
		}

		if time.Since(lastHeartbeat) >= r.Config.HeartbeatInterval {
			if err := r.Store.RefreshLease(ctx, repo, leaseToken, r.Config.LeaseTTL); err != nil {
				observability.WorkerLockLostTotal.Inc()
				res := leaseLost()
				return &res
			}
			lastHeartbeat = time.Now()
		}

		select {
		case <-ctx.Done():
			res := retry("context_cancelled")
			return &res
		case <-time.After(pollInterval):
		}
	}
}

func anyFailed(suites []githubapi.CheckSuite) bool {
	for _, s := range suites {
		if s.Status == "completed" && (s.Conclusion == "failure" || s.Conclusion == "timed_out" || s.Conclusion == "action_required") {
			return true
		}
	}
	return false
}

func allCompleted(suites []githubapi.CheckSuite) bool {
	for _, s := range suites {
		if s.Status != "completed" {
			return false
		}
	}
	return true
}
