// internal/store/memory.go
package store

import (
	"context"
	"sync"
	"time"

	"kova-sync/internal/model"
)

// Memory is an in-process Store. It backs unit tests and the degraded mode
// the service runs in when no database URL is configured.
type Memory struct {
	mu         sync.Mutex
	runs       []model.SyncRun
	events     []model.WebhookEvent
	analyses   []model.AnalysisInteraction
	deliveries map[string]string // delivery id -> event id
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{deliveries: make(map[string]string)}
}

func (m *Memory) CreateSyncRun(_ context.Context, run *model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, cloneRun(run))
	return nil
}

func (m *Memory) FinishSyncRun(_ context.Context, run *model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = cloneRun(run)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListSyncRuns(_ context.Context, repoFullName string, limit int) ([]model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SyncRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if repoFullName != "" && m.runs[i].RepoFullName != repoFullName {
			continue
		}
		out = append(out, m.runs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) InsertWebhookEvent(_ context.Context, ev *model.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.DeliveryID != "" {
		if _, seen := m.deliveries[ev.DeliveryID]; seen {
			return ErrDuplicateDelivery
		}
		m.deliveries[ev.DeliveryID] = ev.ID
	}
	m.events = append(m.events, cloneEvent(ev))
	return nil
}

func (m *Memory) MarkWebhookProcessed(_ context.Context, id string, processedAt time.Time, result, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			t := processedAt
			m.events[i].Processed = true
			m.events[i].ProcessedAt = &t
			m.events[i].HandlerResult = result
			m.events[i].Error = errMsg
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) GetWebhookEventByDelivery(_ context.Context, deliveryID string) (*model.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.deliveries[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}
	for i := range m.events {
		if m.events[i].ID == id {
			ev := cloneEvent(&m.events[i])
			return &ev, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListWebhookEvents(_ context.Context, limit int) ([]model.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WebhookEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		out = append(out, cloneEvent(&m.events[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) AppendAnalysis(_ context.Context, in *model.AnalysisInteraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses = append(m.analyses, *in)
	return nil
}

func (m *Memory) ListAnalyses(_ context.Context, subject string, limit int) ([]model.AnalysisInteraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AnalysisInteraction
	for i := len(m.analyses) - 1; i >= 0; i-- {
		if subject != "" && m.analyses[i].Subject != subject {
			continue
		}
		out = append(out, m.analyses[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneRun(run *model.SyncRun) model.SyncRun {
	out := *run
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		out.CompletedAt = &t
	}
	if run.Detail != nil {
		out.Detail = make(map[string]any, len(run.Detail))
		for k, v := range run.Detail {
			out.Detail[k] = v
		}
	}
	return out
}

func cloneEvent(ev *model.WebhookEvent) model.WebhookEvent {
	out := *ev
	out.Payload = append([]byte(nil), ev.Payload...)
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		out.ProcessedAt = &t
	}
	return out
}
