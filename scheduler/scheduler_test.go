package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bemcculley/auto-merge/githubapi"
	"github.com/bemcculley/auto-merge/pipeline"
	"github.com/bemcculley/auto-merge/queue"
)

type fakeAPI struct {
	pr     *githubapi.PullRequest
	policy githubapi.RepoPolicy
	status *githubapi.CombinedStatus
	merge  githubapi.MergeResult
}

func (f *fakeAPI) GetPullRequest(ctx context.Context, installationID int64, owner, repo string, number int) (*githubapi.PullRequest, error) {
	return f.pr, nil
}
func (f *fakeAPI) LoadPolicy(ctx context.Context, installationID int64, owner, repo, ref string) (githubapi.RepoPolicy, error) {
	return f.policy, nil
}
func (f *fakeAPI) GetCombinedStatus(ctx context.Context, installationID int64, owner, repo, ref string) (*githubapi.CombinedStatus, error) {
	return f.status, nil
}
func (f *fakeAPI) GetCheckSuites(ctx context.Context, installationID int64, owner, repo, ref string) ([]githubapi.CheckSuite, error) {
	return nil, nil
}
func (f *fakeAPI) UpdateBranch(ctx context.Context, installationID int64, owner, repo string, number int, expectedHeadSHA string) (githubapi.UpdateBranchResult, error) {
	return githubapi.UpdateOK, nil
}
func (f *fakeAPI) MergePullRequest(ctx context.Context, installationID int64, owner, repo string, number int, expectedHeadSHA, title, message string, method githubapi.MergeMethod) (githubapi.MergeResult, error) {
	return f.merge, nil
}

func testItem() queue.WorkItem {
	now := time.Now()
	return queue.WorkItem{
		InstallationID: 1, Owner: "acme", Repo: "widgets", PRNumber: 7,
		EnqueuedAt: now, FirstSeenAt: now,
	}
}

func testScheduler(store queue.Store, api *fakeAPI) *Scheduler {
	return &Scheduler{
		Store: store,
		Runner: &pipeline.Runner{
			API:   api,
			Store: store,
			Config: pipeline.Config{
				LeaseTTL:          time.Minute,
				HeartbeatInterval: time.Hour,
			},
		},
		Gate: NewInstallationGate(1000, 1000),
		Config: Config{
			Workers:          1,
			LeaseTTL:         time.Minute,
			MaxRetries:       3,
			StarvationWindow: time.Hour,
			IdleSleep:        time.Millisecond,
		},
	}
}

// A single tick merges the one queued item and leaves the queue empty.
func TestTickMergesHappyPath(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	item := testItem()
	if _, err := store.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{
		pr: &githubapi.PullRequest{
			State: "open", Labels: []string{"automerge"},
			HeadSHA: "a", BaseRef: "main", MergeableState: githubapi.MergeableClean,
		},
		policy: githubapi.DefaultRepoPolicy(),
		status: &githubapi.CombinedStatus{State: githubapi.StatusSuccess},
		merge:  githubapi.MergeMerged,
	}
	s := testScheduler(store, api)

	if !s.tick(ctx) {
		t.Fatal("expected tick to find and process work")
	}

	repo := item.Repo_()
	depth, err := store.QueueDepth(ctx, repo)
	if err != nil || depth != 0 {
		t.Fatalf("expected empty queue after merge, depth=%d err=%v", depth, err)
	}
	dlq, _ := store.ListDLQ(ctx, repo)
	if len(dlq) != 0 {
		t.Fatalf("expected no dlq entries, got %d", len(dlq))
	}
}

// A retry outcome requeues to the tail with Attempt incremented.
func TestTickRequeuesOnRetry(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	item := testItem()
	if _, err := store.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{
		pr: &githubapi.PullRequest{
			State: "open", Labels: []string{"automerge"},
			HeadSHA: "a", BaseRef: "main", MergeableState: githubapi.MergeableClean,
		},
		policy: githubapi.DefaultRepoPolicy(),
		status: &githubapi.CombinedStatus{State: githubapi.StatusSuccess},
		merge:  githubapi.MergeMismatchedSHA,
	}
	s := testScheduler(store, api)

	if !s.tick(ctx) {
		t.Fatal("expected tick to find and process work")
	}

	repo := item.Repo_()
	depth, err := store.QueueDepth(ctx, repo)
	if err != nil || depth != 1 {
		t.Fatalf("expected item requeued, depth=%d err=%v", depth, err)
	}
	popped, err := store.PopHead(ctx, repo, "tok")
	if err != nil || popped == nil {
		t.Fatal("expected requeued item to be poppable")
	}
	if popped.Attempt != 1 {
		t.Fatalf("expected attempt incremented to 1, got %d", popped.Attempt)
	}
}

// Once Attempt reaches MaxRetries, a retry outcome pushes to DLQ instead.
func TestTickDLQsAfterRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	item := testItem()
	item.Attempt = 2 // one more retry reaches MaxRetries=3
	if _, err := store.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}

	api := &fakeAPI{
		pr: &githubapi.PullRequest{
			State: "open", Labels: []string{"automerge"},
			HeadSHA: "a", BaseRef: "main", MergeableState: githubapi.MergeableClean,
		},
		policy: githubapi.DefaultRepoPolicy(),
		status: &githubapi.CombinedStatus{State: githubapi.StatusSuccess},
		merge:  githubapi.MergeMismatchedSHA,
	}
	s := testScheduler(store, api)

	if !s.tick(ctx) {
		t.Fatal("expected tick to find and process work")
	}

	repo := item.Repo_()
	depth, _ := store.QueueDepth(ctx, repo)
	if depth != 0 {
		t.Fatalf("expected queue empty after dlq push, got depth %d", depth)
	}
	entries, err := store.ListDLQ(ctx, repo)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one dlq entry, got %v, %v", entries, err)
	}
}

// An installation-wide throttle makes tick skip the repo entirely.
func TestTickSkipsThrottledInstallation(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	item := testItem()
	if _, err := store.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}
	if err := store.SetThrottle(ctx, item.InstallationID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	s := testScheduler(store, &fakeAPI{})

	if s.tick(ctx) {
		t.Fatal("expected tick to skip a throttled installation")
	}

	repo := item.Repo_()
	depth, _ := store.QueueDepth(ctx, repo)
	if depth != 1 {
		t.Fatalf("expected item to remain queued while throttled, depth=%d", depth)
	}
}
