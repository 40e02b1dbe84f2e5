// internal/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kova-sync/internal/model"
)

// pg error code for a unique-constraint violation.
const pgUniqueViolation = "23505"

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection pool. Migrations are the
// caller's responsibility (run at startup, as in cmd/service).
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) CreateSyncRun(ctx context.Context, run *model.SyncRun) error {
	detail, err := marshalDetail(run.Detail)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, repo_full_name, attempts, status, started_at, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.RepoFullName, run.Attempts, string(run.Status), run.StartedAt, detail)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

func (p *Postgres) FinishSyncRun(ctx context.Context, run *model.SyncRun) error {
	detail, err := marshalDetail(run.Detail)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE sync_runs
		SET attempts = $2, status = $3, completed_at = $4, detail = $5, analysis = $6, error = $7
		WHERE id = $1`,
		run.ID, run.Attempts, string(run.Status), run.CompletedAt, detail, run.Analysis, run.Error)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListSyncRuns(ctx context.Context, repoFullName string, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, repo_full_name, attempts, status, started_at, completed_at, detail, analysis, error
		FROM sync_runs
		WHERE ($1 = '' OR repo_full_name = $1)
		ORDER BY started_at DESC
		LIMIT $2`, repoFullName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		var (
			run      model.SyncRun
			status   string
			detail   []byte
			analysis *string
			errMsg   *string
		)
		if err := rows.Scan(&run.ID, &run.RepoFullName, &run.Attempts, &status,
			&run.StartedAt, &run.CompletedAt, &detail, &analysis, &errMsg); err != nil {
			return nil, err
		}
		run.Status = model.SyncStatus(status)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &run.Detail); err != nil {
				return nil, fmt.Errorf("corrupt detail for sync run %s: %w", run.ID, err)
			}
		}
		if analysis != nil {
			run.Analysis = *analysis
		}
		if errMsg != nil {
			run.Error = *errMsg
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertWebhookEvent(ctx context.Context, ev *model.WebhookEvent) error {
	var delivery *string
	if ev.DeliveryID != "" {
		delivery = &ev.DeliveryID
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, event_type, action, delivery_id, payload, processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.EventType, nullable(ev.Action), delivery, ev.Payload, ev.Processed, ev.ReceivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateDelivery
		}
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

func (p *Postgres) MarkWebhookProcessed(ctx context.Context, id string, processedAt time.Time, result, errMsg string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $2, handler_result = $3, error = $4
		WHERE id = $1`,
		id, processedAt, nullable(result), nullable(errMsg))
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetWebhookEventByDelivery(ctx context.Context, deliveryID string) (*model.WebhookEvent, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, event_type, action, delivery_id, payload, processed, processed_at, handler_result, error, received_at
		FROM webhook_events
		WHERE delivery_id = $1`, deliveryID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

func (p *Postgres) ListWebhookEvents(ctx context.Context, limit int) ([]model.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, event_type, action, delivery_id, payload, processed, processed_at, handler_result, error, received_at
		FROM webhook_events
		ORDER BY received_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendAnalysis(ctx context.Context, in *model.AnalysisInteraction) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO analysis_interactions (id, subject, prompt, response, latency_ms, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, in.Subject, in.Prompt, nullable(in.Response), in.LatencyMS, in.Success, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append analysis interaction: %w", err)
	}
	return nil
}

func (p *Postgres) ListAnalyses(ctx context.Context, subject string, limit int) ([]model.AnalysisInteraction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, subject, prompt, response, latency_ms, success, created_at
		FROM analysis_interactions
		WHERE ($1 = '' OR subject = $1)
		ORDER BY created_at DESC
		LIMIT $2`, subject, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AnalysisInteraction
	for rows.Next() {
		var (
			in       model.AnalysisInteraction
			response *string
		)
		if err := rows.Scan(&in.ID, &in.Subject, &in.Prompt, &response, &in.LatencyMS, &in.Success, &in.CreatedAt); err != nil {
			return nil, err
		}
		if response != nil {
			in.Response = *response
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*model.WebhookEvent, error) {
	var (
		ev       model.WebhookEvent
		action   *string
		delivery *string
		result   *string
		errMsg   *string
	)
	err := row.Scan(&ev.ID, &ev.EventType, &action, &delivery, &ev.Payload,
		&ev.Processed, &ev.ProcessedAt, &result, &errMsg, &ev.ReceivedAt)
	if err != nil {
		return nil, err
	}
	if action != nil {
		ev.Action = *action
	}
	if delivery != nil {
		ev.DeliveryID = *delivery
	}
	if result != nil {
		ev.HandlerResult = *result
	}
	if errMsg != nil {
		ev.Error = *errMsg
	}
	return &ev, nil
}

func marshalDetail(detail map[string]any) ([]byte, error) {
	if detail == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run detail: %w", err)
	}
	return data, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
