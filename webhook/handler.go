// Package webhook is the HTTP ingress surface: signature verification and
// webhook delivery idempotency sit here, strictly outside the core — by
// the time an event reaches the ingress package it is already validated
// and deduped at the delivery level.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bemcculley/auto-merge/ingress"
	"github.com/bemcculley/auto-merge/observability"
	"github.com/bemcculley/auto-merge/queue"
)

// deliveryIDTTL bounds how long a delivery ID is remembered — long enough
// to outlast the platform's own retry window for a failed delivery.
const deliveryIDTTL = 24 * time.Hour

// Enqueuer is the subset of queue.Store the handler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, item queue.WorkItem) (queue.EnqueueResult, error)
}

// ReadinessProbe reports whether the service is ready to receive traffic.
// The probe main.go wires in checks the DQS only; the API facade is not
// probed.
type ReadinessProbe interface {
	Ready() bool
}

// Handler serves /webhook, /healthz, and /readyz.
type Handler struct {
	Secret     []byte
	Store      Enqueuer
	Deliveries DeliveryStore
	Readiness  ReadinessProbe
}

// ServeWebhook implements POST /webhook.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-Event-Type")
	deliveryID := r.Header.Get("X-Delivery-Id")
	signature := r.Header.Get("X-Hub-Signature-256")

	observability.WebhookRequestsTotal.WithLabelValues(eventType).Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	if !validSignature(h.Secret, body, signature) {
		observability.WebhookInvalidSignaturesTotal.Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if deliveryID != "" && h.Deliveries != nil {
		alreadySeen, err := h.Deliveries.Seen(r.Context(), deliveryID, deliveryIDTTL)
		if err != nil {
			log.Printf("webhook: delivery idempotency check failed: %v", err)
		} else if alreadySeen {
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}

	items, err := ingress.Normalize(ingress.Event{Type: eventType, Payload: body})
	if err != nil {
		log.Printf("webhook: normalize %s: %v", eventType, err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if _, err := ingress.EnqueueAll(items, func(item queue.WorkItem) (queue.EnqueueResult, error) {
		return h.Store.Enqueue(r.Context(), item)
	}); err != nil {
		log.Printf("webhook: enqueue %s: %v", eventType, err)
		// Acknowledge anyway: the platform will retry the delivery on a
		// non-2xx, which only adds load without changing the outcome once
		// the store is unreachable.
	}

	w.WriteHeader(http.StatusAccepted)
}

func validSignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	given, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(given, expected)
}

// ServeHealthz implements GET /healthz: always 200 while the process is up.
func (h *Handler) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ServeReadyz implements GET /readyz.
func (h *Handler) ServeReadyz(w http.ResponseWriter, r *http.Request) {
	if h.Readiness == nil || h.Readiness.Ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}
