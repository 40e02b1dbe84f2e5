// internal/webhook/receiver.go
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"kova-sync/internal/metrics"
	"kova-sync/internal/model"
	"kova-sync/internal/store"
)

// SignaturePrefix is the algorithm tag the signature header must carry.
const SignaturePrefix = "sha256="

// Outcome classifies the result of one inbound delivery.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "ignored-duplicate"
	OutcomeError     Outcome = "error"
)

// Result is what the receiver reports back to the HTTP layer. Rejection
// carries a reason but never the expected signature value.
type Result struct {
	Outcome Outcome
	Reason  string
	Event   *model.WebhookEvent
}

// Receiver authenticates inbound webhook deliveries and hands verified
// events to the dispatcher. The receive path does bounded in-process work
// only: verify, persist, enqueue, return.
type Receiver struct {
	secret     []byte
	store      store.Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewReceiver(secret string, st store.Store, d *Dispatcher, logger *slog.Logger) *Receiver {
	return &Receiver{
		secret:     []byte(secret),
		store:      st,
		dispatcher: d,
		logger:     logger,
	}
}

// Available reports whether the shared secret is configured. Without it
// every delivery is rejected: inbound authentication fails closed.
func (r *Receiver) Available() bool { return len(r.secret) > 0 }

// Receive verifies the delivery and, on success, persists the event
// (processed=false) and queues it for background processing. The raw wire
// bytes are the only input to verification; a re-serialized body would
// produce false rejections. Rejection has no side effects.
func (r *Receiver) Receive(ctx context.Context, body []byte, signature, eventType, deliveryID string) Result {
	if !r.Available() {
		return r.reject(eventType, "webhook secret not configured")
	}
	if !r.verifySignature(body, signature) {
		return r.reject(eventType, "invalid signature")
	}
	if eventType == "" {
		return r.reject(eventType, "missing event type header")
	}

	// The action is informational; a payload that is not a JSON object
	// simply yields no action.
	var meta struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(body, &meta)

	ev := &model.WebhookEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Action:     meta.Action,
		DeliveryID: deliveryID,
		Payload:    append([]byte(nil), body...),
		Processed:  false,
		ReceivedAt: time.Now().UTC(),
	}

	if err := r.store.InsertWebhookEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicateDelivery) {
			r.logger.Info("Duplicate webhook delivery ignored", "delivery_id", deliveryID, "event", eventType)
			metrics.WebhookEventsTotal.WithLabelValues(eventType, string(OutcomeDuplicate)).Inc()
			return Result{Outcome: OutcomeDuplicate}
		}
		r.logger.Error("Failed to persist webhook event", "delivery_id", deliveryID, "error", err)
		metrics.WebhookEventsTotal.WithLabelValues(eventType, string(OutcomeError)).Inc()
		return Result{Outcome: OutcomeError, Reason: "failed to persist event"}
	}

	if !r.dispatcher.Enqueue(ev) {
		// The event is durable; it just missed the queue. It stays
		// processed=false so a restart or manual replay can pick it up.
		r.logger.Error("Dispatch queue full, event left unprocessed", "event_id", ev.ID, "event", eventType)
	}

	metrics.WebhookEventsTotal.WithLabelValues(eventType, string(OutcomeAccepted)).Inc()
	return Result{Outcome: OutcomeAccepted, Event: ev}
}

func (r *Receiver) reject(eventType, reason string) Result {
	if eventType == "" {
		eventType = "unknown"
	}
	r.logger.Warn("Webhook delivery rejected", "event", eventType, "reason", reason)
	metrics.WebhookEventsTotal.WithLabelValues(eventType, string(OutcomeRejected)).Inc()
	return Result{Outcome: OutcomeRejected, Reason: reason}
}

// verifySignature computes an HMAC-SHA256 over the raw body and compares
// it in constant time against the header value. The algorithm tag must
// match exactly.
func (r *Receiver) verifySignature(body []byte, header string) bool {
	hexDigest, ok := strings.CutPrefix(header, SignaturePrefix)
	if !ok {
		return false
	}
	supplied, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), supplied)
}
