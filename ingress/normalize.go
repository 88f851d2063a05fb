package ingress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bemcculley/auto-merge/githubapi"
	"github.com/bemcculley/auto-merge/observability"
	"github.com/bemcculley/auto-merge/queue"
)

// Normalize maps a validated event into zero or more WorkItems. It never
// returns an error for an unrecognized or irrelevant event — those are
// simply zero items, counted via the caller's webhook_requests_total
// label.
func Normalize(event Event) ([]queue.WorkItem, error) {
	now := time.Now()

	switch event.Type {
	case "pull_request":
		return normalizePullRequest(event.Payload, now)
	case "check_suite":
		return normalizeCheckSuite(event.Payload, now)
	case "status":
		return normalizeStatus(event.Payload, now)
	default:
		return nil, nil
	}
}

func normalizePullRequest(raw json.RawMessage, now time.Time) ([]queue.WorkItem, error) {
	var p pullRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("ingress: decoding pull_request event: %w", err)
	}
	if !pullRequestActions[p.Action] {
		return nil, nil
	}
	if p.PullRequest.Draft || p.PullRequest.State == "closed" {
		return nil, nil
	}
	wantLabel := githubapi.DefaultRepoPolicy().Label
	carriesLabel := false
	for _, l := range p.PullRequest.Labels {
		if l.Name == wantLabel {
			carriesLabel = true
			break
		}
	}
	if !carriesLabel {
		return nil, nil
	}

	return []queue.WorkItem{newWorkItem(p.Installation.ID, p.Repository.Owner.Login, p.Repository.Name, p.Number, now)}, nil
}

func normalizeCheckSuite(raw json.RawMessage, now time.Time) ([]queue.WorkItem, error) {
	var p checkSuitePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("ingress: decoding check_suite event: %w", err)
	}
	if p.Action != "completed" {
		return nil, nil
	}

	items := make([]queue.WorkItem, 0, len(p.CheckSuite.PullRequests))
	for _, pr := range p.CheckSuite.PullRequests {
		items = append(items, newWorkItem(p.Installation.ID, p.Repository.Owner.Login, p.Repository.Name, pr.Number, now))
	}
	return items, nil
}

func normalizeStatus(raw json.RawMessage, now time.Time) ([]queue.WorkItem, error) {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("ingress: decoding status event: %w", err)
	}

	items := make([]queue.WorkItem, 0, len(p.PullRequests))
	for _, pr := range p.PullRequests {
		items = append(items, newWorkItem(p.Installation.ID, p.Repository.Owner.Login, p.Repository.Name, pr.Number, now))
	}
	return items, nil
}

func newWorkItem(installationID int64, owner, repo string, number int, now time.Time) queue.WorkItem {
	return queue.WorkItem{
		InstallationID: installationID,
		Owner:          owner,
		Repo:           repo,
		PRNumber:       number,
		EnqueuedAt:     now,
		FirstSeenAt:    now,
	}
}

// EnqueueAll pushes every item through store.Enqueue, incrementing the
// dedup/enqueue metrics per item. Returns the count actually enqueued
// (not deduped).
func EnqueueAll(items []queue.WorkItem, enqueue func(queue.WorkItem) (queue.EnqueueResult, error)) (int, error) {
	enqueued := 0
	for _, item := range items {
		result, err := enqueue(item)
		if err != nil {
			return enqueued, err
		}
		switch result {
		case queue.Enqueued:
			enqueued++
			observability.EventsEnqueuedTotal.Inc()
		case queue.Deduped:
			observability.EventsDedupedTotal.Inc()
		}
	}
	return enqueued, nil
}
