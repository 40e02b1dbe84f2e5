// internal/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"kova-sync/internal/model"
)

// ErrDuplicateDelivery is returned when a webhook event with an
// already-seen delivery identifier is inserted. Duplicate deliveries are
// not an error condition for callers; they are deduplicated.
var ErrDuplicateDelivery = errors.New("duplicate webhook delivery")

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence gateway for sync runs, webhook events and
// analysis interactions. Each entity type has exactly one writer role, so
// implementations need no cross-entity transactions.
type Store interface {
	// Sync runs (written by the sync orchestrator only).
	CreateSyncRun(ctx context.Context, run *model.SyncRun) error
	FinishSyncRun(ctx context.Context, run *model.SyncRun) error
	ListSyncRuns(ctx context.Context, repoFullName string, limit int) ([]model.SyncRun, error)

	// Webhook events (written by the receiver/dispatcher only). Insert
	// enforces delivery-identifier uniqueness and returns
	// ErrDuplicateDelivery on a repeat.
	InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error
	MarkWebhookProcessed(ctx context.Context, id string, processedAt time.Time, result, errMsg string) error
	GetWebhookEventByDelivery(ctx context.Context, deliveryID string) (*model.WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, limit int) ([]model.WebhookEvent, error)

	// Analysis interactions (append-only).
	AppendAnalysis(ctx context.Context, in *model.AnalysisInteraction) error
	ListAnalyses(ctx context.Context, subject string, limit int) ([]model.AnalysisInteraction, error)
}
