package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bemcculley/auto-merge/queue"
)

func TestServeListReturnsEntries(t *testing.T) {
	store := queue.NewMemoryStore()
	repo := queue.RepoKey{InstallationID: 1, Owner: "acme", Repo: "widgets"}
	item := queue.WorkItem{InstallationID: 1, Owner: "acme", Repo: "widgets", PRNumber: 7}
	if err := store.PushDLQ(t.Context(), item, "checks_failed"); err != nil {
		t.Fatal(err)
	}

	h := &Handler{Store: store}
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq?installation=1&owner=acme&repo=widgets", nil)
	rec := httptest.NewRecorder()
	h.ServeList(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServeReplayRequeuesMatchingEntry(t *testing.T) {
	store := queue.NewMemoryStore()
	item := queue.WorkItem{InstallationID: 1, Owner: "acme", Repo: "widgets", PRNumber: 7, Attempt: 3}
	if err := store.PushDLQ(t.Context(), item, "checks_failed"); err != nil {
		t.Fatal(err)
	}

	h := &Handler{Store: store}
	req := httptest.NewRequest(http.MethodPost, "/admin/dlq/replay?installation=1&owner=acme&repo=widgets&pr=7", nil)
	rec := httptest.NewRecorder()
	h.ServeReplay(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	repo := queue.RepoKey{InstallationID: 1, Owner: "acme", Repo: "widgets"}
	head, err := store.PopHead(t.Context(), repo, "tok")
	if err != nil {
		t.Fatal(err)
	}
	if head == nil {
		t.Fatal("expected replayed item to be queued")
	}
	if head.Attempt != 0 {
		t.Fatalf("expected replayed item's attempt counter reset, got %d", head.Attempt)
	}
}

func TestServeReplayNoMatchReturns404(t *testing.T) {
	store := queue.NewMemoryStore()
	h := &Handler{Store: store}
	req := httptest.NewRequest(http.MethodPost, "/admin/dlq/replay?installation=1&owner=acme&repo=widgets&pr=99", nil)
	rec := httptest.NewRecorder()
	h.ServeReplay(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
