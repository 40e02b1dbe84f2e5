// internal/syncer/syncer.go
package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kova-sync/internal/analysis"
	apperrors "kova-sync/internal/errors"
	"kova-sync/internal/metrics"
	"kova-sync/internal/model"
	"kova-sync/internal/registry"
	"kova-sync/internal/store"
)

// StateFetcher fetches one repository's remote state. Implemented by the
// rate-limited github client; mocked in tests.
type StateFetcher interface {
	GetRepoState(ctx context.Context, owner, name string) (*model.RepoState, int, error)
}

// Options controls one sync invocation.
type Options struct {
	IncludeAnalysis bool `json:"includeAnalysis"`
}

// Syncer orchestrates repository synchronization: it walks the enabled
// registry entries in priority order, fetches their state, optionally runs
// analysis, and records a SyncRun outcome per repository.
type Syncer struct {
	registry    *registry.Registry
	fetcher     StateFetcher
	analyzer    analysis.Analyzer
	store       store.Store
	logger      *slog.Logger
	concurrency int
	callTimeout time.Duration
}

// NewSyncer creates a new Syncer instance. concurrency of 1 gives strictly
// sequential execution, where completion order equals priority order;
// higher values bound parallelism and priority governs scheduling order
// only.
func NewSyncer(reg *registry.Registry, fetcher StateFetcher, analyzer analysis.Analyzer, st store.Store, logger *slog.Logger, concurrency int, callTimeout time.Duration) *Syncer {
	if concurrency < 1 {
		concurrency = 1
	}
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Syncer{
		registry:    reg,
		fetcher:     fetcher,
		analyzer:    analyzer,
		store:       st,
		logger:      logger,
		concurrency: concurrency,
		callTimeout: callTimeout,
	}
}

// SyncAll synchronizes every enabled repository. The registry is read once
// at the start so a mid-batch mutation cannot produce a partially stale
// view. One repository's failure never aborts the batch: each outcome is
// recorded independently in the returned map, keyed by full name.
func (s *Syncer) SyncAll(ctx context.Context, opts Options) map[string]*model.SyncRun {
	snapshot := s.registry.Snapshot()

	var batch []model.RepositoryRecord
	for _, rec := range snapshot.Repositories {
		if rec.Enabled {
			batch = append(batch, rec)
		}
	}
	// Stable sort: ties keep registry insertion order.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].SyncPriority < batch[j].SyncPriority
	})

	s.logger.Info("Starting sync batch", "repositories", len(batch), "concurrency", s.concurrency, "include_analysis", opts.IncludeAnalysis)

	results := make(map[string]*model.SyncRun, len(batch))

	if s.concurrency == 1 {
		for _, rec := range batch {
			if ctx.Err() != nil {
				break
			}
			results[rec.FullName] = s.syncRepo(ctx, rec, opts)
		}
		return results
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range batch {
		rec := rec
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			run := s.syncRepo(gctx, rec, opts)
			mu.Lock()
			results[rec.FullName] = run
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// SyncOne synchronizes a single configured repository by full name.
func (s *Syncer) SyncOne(ctx context.Context, fullName string, opts Options) (*model.SyncRun, error) {
	snapshot := s.registry.Snapshot()
	for _, rec := range snapshot.Repositories {
		if rec.FullName != fullName {
			continue
		}
		if !rec.Enabled {
			return nil, &apperrors.ErrRepoDisabled{Repo: fullName}
		}
		return s.syncRepo(ctx, rec, opts), nil
	}
	return nil, &apperrors.ErrRepoNotConfigured{Repo: fullName}
}

// syncRepo handles the full sync lifecycle for one repository. Steps are
// strictly sequential: fetch, then analysis, then the last-synced update.
func (s *Syncer) syncRepo(ctx context.Context, rec model.RepositoryRecord, opts Options) *model.SyncRun {
	logger := s.logger.With("repo", rec.FullName, "priority", rec.SyncPriority)
	logger.Info("Syncing repository")

	run := &model.SyncRun{
		ID:           uuid.NewString(),
		RepoFullName: rec.FullName,
		Status:       model.SyncPending,
		StartedAt:    time.Now().UTC(),
		Detail:       map[string]any{},
	}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		logger.Error("Failed to record sync run start", "error", err)
	}

	owner, name, ok := splitFullName(rec.FullName)
	if !ok {
		s.finishRun(ctx, run, model.SyncFailed, (&apperrors.ErrInvalidRepoFormat{Repo: rec.FullName}).Error())
		return run
	}

	// The deadline bounds the whole retry sequence, not each attempt.
	fetchCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	state, attempts, err := s.fetcher.GetRepoState(fetchCtx, owner, name)
	cancel()
	run.Attempts = attempts

	if err != nil {
		logger.Error("Repository fetch failed", "attempts", attempts, "error", err)
		s.finishRun(ctx, run, model.SyncFailed, err.Error())
		return run
	}

	run.Detail["exists"] = state.Exists
	run.Detail["summary"] = state

	if opts.IncludeAnalysis {
		s.analyzeState(ctx, run, rec.FullName, state, logger)
	}

	s.finishRun(ctx, run, model.SyncSuccess, "")

	if err := s.registry.SetLastSynced(rec.FullName, *run.CompletedAt); err != nil {
		logger.Error("Failed to update last-synced timestamp", "error", err)
	}
	logger.Info("Repository synced", "attempts", attempts, "exists", state.Exists)
	return run
}

// analyzeState runs the optional analysis step. Analysis failure is soft:
// it is recorded in the run detail and never flips a successful fetch to
// failed.
func (s *Syncer) analyzeState(ctx context.Context, run *model.SyncRun, fullName string, state *model.RepoState, logger *slog.Logger) {
	summary, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		run.Detail["analysis_error"] = "failed to encode repository summary: " + err.Error()
		return
	}

	text, err := s.analyzer.Analyze(ctx, "repo:"+fullName, string(summary))
	if err != nil {
		logger.Warn("Analysis failed", "error", err)
		run.Detail["analysis_error"] = err.Error()
		metrics.AnalysisCallsTotal.WithLabelValues("error").Inc()
		return
	}
	run.Analysis = text
	metrics.AnalysisCallsTotal.WithLabelValues("success").Inc()
}

func (s *Syncer) finishRun(ctx context.Context, run *model.SyncRun, status model.SyncStatus, errMsg string) {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.Error = errMsg
	if err := s.store.FinishSyncRun(ctx, run); err != nil {
		s.logger.Error("Failed to record sync run outcome", "run_id", run.ID, "error", err)
	}
	metrics.SyncRunsTotal.WithLabelValues(string(status)).Inc()
}

// Start runs the periodic background sync when the registry enables it.
// It blocks until ctx is cancelled.
func (s *Syncer) Start(ctx context.Context) {
	snapshot := s.registry.Snapshot()
	if !snapshot.Sync.AutoSyncEnabled {
		s.logger.Info("Auto sync disabled in registry settings")
		return
	}
	interval := time.Duration(snapshot.Sync.SyncIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	s.logger.Info("Starting auto sync", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.SyncAll(ctx, Options{}) // Initial sync

	for {
		select {
		case <-ticker.C:
			s.SyncAll(ctx, Options{})
		case <-ctx.Done():
			s.logger.Info("Auto sync shutting down", "reason", ctx.Err())
			return
		}
	}
}

func splitFullName(fullName string) (owner, name string, ok bool) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
