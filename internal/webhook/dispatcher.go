// internal/webhook/dispatcher.go
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kova-sync/internal/analysis"
	"kova-sync/internal/metrics"
	"kova-sync/internal/model"
	"kova-sync/internal/store"
)

// EventKind is the closed set of webhook event types the dispatcher
// handles. New event types are a compile-time decision: the dispatch
// switch is exhaustive over these variants.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindPush
	KindPullRequest
	KindIssues
	KindIssueComment
	KindWorkflowRun
)

// ParseEventKind maps the event-type header value onto the closed enum.
func ParseEventKind(s string) EventKind {
	switch s {
	case "push":
		return KindPush
	case "pull_request":
		return KindPullRequest
	case "issues":
		return KindIssues
	case "issue_comment":
		return KindIssueComment
	case "workflow_run":
		return KindWorkflowRun
	default:
		return KindUnknown
	}
}

// resultIgnoredUnknown is the recorded handler result for event types
// outside the closed set. An unknown type is not an error.
const resultIgnoredUnknown = "ignored: unknown type"

// Dispatcher processes persisted webhook events asynchronously: a bounded
// queue feeds a fixed pool of workers, so the receive path never blocks on
// processing. Each event is finalized exactly once.
type Dispatcher struct {
	store    store.Store
	analyzer analysis.Analyzer
	logger   *slog.Logger
	queue    chan *model.WebhookEvent
	workers  int
	wg       sync.WaitGroup
}

func NewDispatcher(st store.Store, analyzer analysis.Analyzer, logger *slog.Logger, workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		store:    st,
		analyzer: analyzer,
		logger:   logger,
		queue:    make(chan *model.WebhookEvent, queueSize),
		workers:  workers,
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled; Wait blocks until they exit.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case ev := <-d.queue:
					d.process(ctx, ev)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Enqueue hands an event to the worker pool without blocking. It returns
// false when the queue is full; the event stays persisted and unprocessed.
func (d *Dispatcher) Enqueue(ev *model.WebhookEvent) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		return false
	}
}

// process handles one event to its terminal state. Before doing any work
// it re-checks the delivery identifier so a double-enqueued delivery is
// processed at most once.
func (d *Dispatcher) process(ctx context.Context, ev *model.WebhookEvent) {
	logger := d.logger.With("event_id", ev.ID, "event", ev.EventType, "delivery_id", ev.DeliveryID)

	if ev.DeliveryID != "" {
		existing, err := d.store.GetWebhookEventByDelivery(ctx, ev.DeliveryID)
		if err == nil && (existing.ID != ev.ID || existing.Processed) {
			logger.Info("Skipping already-processed delivery")
			return
		}
	}

	kind := ParseEventKind(ev.EventType)
	result, analyzable := summarize(kind, ev)

	if analyzable {
		if text, err := d.analyzer.Analyze(ctx, "webhook:"+ev.ID, analysisSummary(ev)); err != nil {
			// Soft failure: the handler outcome stands on its own.
			logger.Warn("Webhook analysis failed", "error", err)
			result += "; analysis failed: " + err.Error()
			metrics.AnalysisCallsTotal.WithLabelValues("error").Inc()
		} else {
			result += "; analysis: " + truncate(text, 500)
			metrics.AnalysisCallsTotal.WithLabelValues("success").Inc()
		}
	}

	if err := d.store.MarkWebhookProcessed(ctx, ev.ID, time.Now().UTC(), result, ""); err != nil {
		logger.Error("Failed to finalize webhook event", "error", err)
		return
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.EventType, "processed").Inc()
	logger.Info("Webhook event processed", "result", truncate(result, 120))
}

// summarize extracts the per-kind structured summary and reports whether
// the event warrants an analysis call. Only push and pull_request events
// with a non-trivial body are analyzed.
func summarize(kind EventKind, ev *model.WebhookEvent) (result string, analyzable bool) {
	switch kind {
	case KindPush:
		var p pushPayload
		_ = json.Unmarshal(ev.Payload, &p)
		result = fmt.Sprintf("push to %s on %s: %d commit(s)", orUnknown(p.Repository.FullName), orUnknown(p.Ref), len(p.Commits))
		return result, len(p.Commits) > 0
	case KindPullRequest:
		var p pullRequestPayload
		_ = json.Unmarshal(ev.Payload, &p)
		result = fmt.Sprintf("pull_request %s in %s: #%d %s", orUnknown(ev.Action), orUnknown(p.Repository.FullName), p.PullRequest.Number, p.PullRequest.Title)
		return result, strings.TrimSpace(p.PullRequest.Body) != ""
	case KindIssues:
		var p issuesPayload
		_ = json.Unmarshal(ev.Payload, &p)
		return fmt.Sprintf("issue %s in %s: #%d %s", orUnknown(ev.Action), orUnknown(p.Repository.FullName), p.Issue.Number, p.Issue.Title), false
	case KindIssueComment:
		var p issueCommentPayload
		_ = json.Unmarshal(ev.Payload, &p)
		return fmt.Sprintf("comment %s in %s on issue #%d", orUnknown(ev.Action), orUnknown(p.Repository.FullName), p.Issue.Number), false
	case KindWorkflowRun:
		var p workflowRunPayload
		_ = json.Unmarshal(ev.Payload, &p)
		return fmt.Sprintf("workflow %q %s/%s in %s", p.WorkflowRun.Name, orUnknown(p.WorkflowRun.Status), orUnknown(p.WorkflowRun.Conclusion), orUnknown(p.Repository.FullName)), false
	case KindUnknown:
		return resultIgnoredUnknown, false
	}
	return resultIgnoredUnknown, false
}

// analysisSummary builds the prompt body for an analyzable event: the
// event envelope plus a bounded slice of the payload.
func analysisSummary(ev *model.WebhookEvent) string {
	envelope := map[string]any{
		"event":  ev.EventType,
		"action": ev.Action,
	}
	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err == nil {
		envelope["payload"] = payload
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return ev.EventType
	}
	return truncate(string(data), 8000)
}

type repoRef struct {
	FullName string `json:"full_name"`
}

type pushPayload struct {
	Ref        string  `json:"ref"`
	Repository repoRef `json:"repository"`
	Commits    []struct {
		Message string `json:"message"`
	} `json:"commits"`
}

type pullRequestPayload struct {
	Repository  repoRef `json:"repository"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"pull_request"`
}

type issuesPayload struct {
	Repository repoRef `json:"repository"`
	Issue      struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
}

type issueCommentPayload struct {
	Repository repoRef `json:"repository"`
	Issue      struct {
		Number int `json:"number"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

type workflowRunPayload struct {
	Repository  repoRef `json:"repository"`
	WorkflowRun struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_run"`
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
