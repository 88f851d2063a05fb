package ingress

import "testing"

func TestNormalizePullRequestEnqueues(t *testing.T) {
	payload := []byte(`{
		"action": "synchronize",
		"number": 7,
		"pull_request": {"draft": false, "state": "open", "labels": [{"name": "automerge"}]},
		"installation": {"id": 42},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)

	items, err := Normalize(Event{Type: "pull_request", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one work item, got %d", len(items))
	}
	item := items[0]
	if item.InstallationID != 42 || item.Owner != "acme" || item.Repo != "widgets" || item.PRNumber != 7 {
		t.Fatalf("unexpected work item: %+v", item)
	}
}

func TestNormalizePullRequestDraftIsNoOp(t *testing.T) {
	payload := []byte(`{
		"action": "opened",
		"number": 7,
		"pull_request": {"draft": true, "state": "open", "labels": [{"name": "automerge"}]},
		"installation": {"id": 42},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)

	items, err := Normalize(Event{Type: "pull_request", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected draft PR to be a no-op, got %d items", len(items))
	}
}

func TestNormalizePullRequestMissingLabelIsNoOp(t *testing.T) {
	payload := []byte(`{
		"action": "opened",
		"number": 7,
		"pull_request": {"draft": false, "state": "open", "labels": []},
		"installation": {"id": 42},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)

	items, err := Normalize(Event{Type: "pull_request", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected missing-label PR to be a no-op, got %d items", len(items))
	}
}

func TestNormalizePullRequestUnhandledActionIsNoOp(t *testing.T) {
	payload := []byte(`{
		"action": "edited",
		"number": 7,
		"pull_request": {"draft": false, "state": "open", "labels": [{"name": "automerge"}]},
		"installation": {"id": 42},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)

	items, err := Normalize(Event{Type: "pull_request", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected unhandled action to be a no-op, got %d items", len(items))
	}
}

func TestNormalizeCheckSuiteCompletedEnqueuesPerPR(t *testing.T) {
	payload := []byte(`{
		"action": "completed",
		"check_suite": {"head_sha": "abc", "pull_requests": [{"number": 7}, {"number": 9}]},
		"installation": {"id": 42},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)

	items, err := Normalize(Event{Type: "check_suite", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected one item per associated open PR, got %d", len(items))
	}
}

func TestNormalizeCheckSuiteInProgressIsNoOp(t *testing.T) {
	payload := []byte(`{
		"action": "in_progress",
		"check_suite": {"head_sha": "abc", "pull_requests": [{"number": 7}]},
		"installation": {"id": 42},
		"repository": {"name": "widgets", "owner": {"login": "acme"}}
	}`)

	items, err := Normalize(Event{Type: "check_suite", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected non-completed check_suite to be a no-op, got %d items", len(items))
	}
}

func TestNormalizeUnknownEventTypeIsNoOp(t *testing.T) {
	items, err := Normalize(Event{Type: "issue_comment", Payload: []byte(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected unknown event type to be a no-op, got %d items", len(items))
	}
}
