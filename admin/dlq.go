// Package admin is the operator HTTP surface for triaging dead-lettered
// work items: list what landed in a repo's DLQ and replay a specific
// entry back onto the live queue.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/bemcculley/auto-merge/queue"
)

// Store is the subset of queue.Store the admin surface needs.
type Store interface {
	ListDLQ(ctx context.Context, repo queue.RepoKey) ([]queue.DLQEntry, error)
	Enqueue(ctx context.Context, item queue.WorkItem) (queue.EnqueueResult, error)
}

// Handler serves the /admin/dlq routes.
type Handler struct {
	Store Store
}

// ServeList implements GET /admin/dlq?installation=&owner=&repo=.
func (h *Handler) ServeList(w http.ResponseWriter, r *http.Request) {
	repo, ok := parseRepoQuery(r)
	if !ok {
		http.Error(w, "installation, owner, and repo query params are required", http.StatusBadRequest)
		return
	}

	entries, err := h.Store.ListDLQ(r.Context(), repo)
	if err != nil {
		log.Printf("admin: list_dlq %s: %v", repo, err)
		http.Error(w, "failed to list DLQ", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		log.Printf("admin: encoding DLQ list: %v", err)
	}
}

// ServeReplay implements POST /admin/dlq/replay: re-enqueues a specific
// dead-lettered item, identified by repo and PR number, at operator
// request. The dedup set naturally protects against double-enqueueing if
// a live item for the same PR already exists.
func (h *Handler) ServeReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	repo, ok := parseRepoQuery(r)
	if !ok {
		http.Error(w, "installation, owner, and repo query params are required", http.StatusBadRequest)
		return
	}
	prNumber, err := strconv.Atoi(r.URL.Query().Get("pr"))
	if err != nil {
		http.Error(w, "pr query param must be an integer", http.StatusBadRequest)
		return
	}

	entries, err := h.Store.ListDLQ(r.Context(), repo)
	if err != nil {
		log.Printf("admin: list_dlq for replay %s: %v", repo, err)
		http.Error(w, "failed to look up DLQ entry", http.StatusInternalServerError)
		return
	}

	for _, entry := range entries {
		if entry.Item.PRNumber != prNumber {
			continue
		}
		replay := entry.Item
		replay.Attempt = 0
		replay.StarvationRequeued = false
		result, err := h.Store.Enqueue(r.Context(), replay)
		if err != nil {
			log.Printf("admin: replay enqueue %s#%d: %v", repo, prNumber, err)
			http.Error(w, "failed to re-enqueue", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"result": resultString(result)})
		return
	}

	http.Error(w, "no matching DLQ entry", http.StatusNotFound)
}

func resultString(r queue.EnqueueResult) string {
	if r == queue.Deduped {
		return "deduped"
	}
	return "enqueued"
}

func parseRepoQuery(r *http.Request) (queue.RepoKey, bool) {
	q := r.URL.Query()
	installationID, err := strconv.ParseInt(q.Get("installation"), 10, 64)
	if err != nil {
		return queue.RepoKey{}, false
	}
	owner := q.Get("owner")
	repo := q.Get("repo")
	if owner == "" || repo == "" {
		return queue.RepoKey{}, false
	}
	return queue.RepoKey{InstallationID: installationID, Owner: owner, Repo: repo}, true
}
