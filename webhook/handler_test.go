package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bemcculley/auto-merge/queue"
)

type fakeEnqueuer struct {
	items []queue.WorkItem
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, item queue.WorkItem) (queue.EnqueueResult, error) {
	f.items = append(f.items, item)
	return queue.Enqueued, nil
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const samplePullRequestBody = `{
	"action": "synchronize",
	"number": 7,
	"pull_request": {"draft": false, "state": "open", "labels": [{"name": "automerge"}]},
	"installation": {"id": 42},
	"repository": {"name": "widgets", "owner": {"login": "acme"}}
}`

func TestServeWebhookRejectsBadSignature(t *testing.T) {
	secret := []byte("shh")
	h := &Handler{Secret: secret, Store: &fakeEnqueuer{}, Deliveries: NewMemoryDeliveryStore()}

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(samplePullRequestBody))
	req.Header.Set("X-Event-Type", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()

	h.ServeWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestServeWebhookAcceptsValidSignatureAndEnqueues(t *testing.T) {
	secret := []byte("shh")
	enq := &fakeEnqueuer{}
	h := &Handler{Secret: secret, Store: enq, Deliveries: NewMemoryDeliveryStore()}

	body := []byte(samplePullRequestBody)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBuffer(body))
	req.Header.Set("X-Event-Type", "pull_request")
	req.Header.Set("X-Delivery-Id", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()

	h.ServeWebhook(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(enq.items) != 1 {
		t.Fatalf("expected one item enqueued, got %d", len(enq.items))
	}
}

func TestServeWebhookDedupesRepeatedDelivery(t *testing.T) {
	secret := []byte("shh")
	enq := &fakeEnqueuer{}
	h := &Handler{Secret: secret, Store: enq, Deliveries: NewMemoryDeliveryStore()}

	body := []byte(samplePullRequestBody)
	sig := sign(secret, body)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBuffer(body))
		req.Header.Set("X-Event-Type", "pull_request")
		req.Header.Set("X-Delivery-Id", "delivery-dup")
		req.Header.Set("X-Hub-Signature-256", sig)
		rec := httptest.NewRecorder()
		h.ServeWebhook(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("delivery %d: expected 202, got %d", i, rec.Code)
		}
	}

	if len(enq.items) != 1 {
		t.Fatalf("expected exactly one enqueue across three identical deliveries, got %d", len(enq.items))
	}
}

func TestServeWebhookUnhandledEventTypeStillAccepted(t *testing.T) {
	secret := []byte("shh")
	enq := &fakeEnqueuer{}
	h := &Handler{Secret: secret, Store: enq, Deliveries: NewMemoryDeliveryStore()}

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBuffer(body))
	req.Header.Set("X-Event-Type", "issue_comment")
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()

	h.ServeWebhook(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for unhandled event type, got %d", rec.Code)
	}
	if len(enq.items) != 0 {
		t.Fatalf("expected no items enqueued for unhandled event type, got %d", len(enq.items))
	}
}

func TestServeHealthzAlwaysOK(t *testing.T) {
	h := &Handler{}
	rec := httptest.NewRecorder()
	h.ServeHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

type fakeReadiness struct{ ready bool }

func (f fakeReadiness) Ready() bool { return f.ready }

func TestServeReadyzReflectsProbe(t *testing.T) {
	h := &Handler{Readiness: fakeReadiness{ready: false}}
	rec := httptest.NewRecorder()
	h.ServeReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", rec.Code)
	}

	h.Readiness = fakeReadiness{ready: true}
	rec = httptest.NewRecorder()
	h.ServeReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}
}
