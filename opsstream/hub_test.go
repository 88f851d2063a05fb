package opsstream

import (
	"testing"

	"github.com/bemcculley/auto-merge/queue"
)

func TestPublishDoesNotBlockWithNoClients(t *testing.T) {
	h := NewHub()
	repo := queue.RepoKey{InstallationID: 1, Owner: "acme", Repo: "widgets"}
	item := queue.WorkItem{PRNumber: 7}

	// With no Run loop draining h.events, Publish must still return
	// instead of blocking, since the buffer absorbs bursts and a full
	// buffer drops rather than stalls the caller.
	for i := 0; i < 10; i++ {
		h.Publish("dispatch", repo, item, "")
	}
}

func TestClientCountStartsAtZero(t *testing.T) {
	h := NewHub()
	if got := h.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}
