// internal/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "kova-sync/internal/errors"
	"kova-sync/internal/model"
)

// Registry is the configuration store for the repository registry. It owns
// the JSON registry document: all RepositoryRecord writes go through it,
// except the last-synced timestamp which the sync orchestrator updates via
// SetLastSynced. Reads during a batch use Snapshot for a consistent view.
type Registry struct {
	mu     sync.RWMutex
	path   string
	logger *slog.Logger

	owner     string
	sync      model.SyncSettings
	discovery model.DiscoverySettings
	repos     []model.RepositoryRecord // insertion order preserved
}

// fileDoc is the on-disk shape. Repository entries are kept raw so one
// malformed entry can be rejected without discarding the rest of the file.
type fileDoc struct {
	Owner        string                  `json:"owner"`
	Repositories []json.RawMessage       `json:"repositories"`
	Sync         model.SyncSettings      `json:"sync_settings"`
	Discovery    model.DiscoverySettings `json:"discovery_settings"`
}

// Load reads the registry document at path. A missing or malformed file
// yields an empty registry plus a logged warning, never an error: callers
// must tolerate an empty registry at cold start. Entries missing name or
// full_name are skipped with a per-entry warning.
func Load(path string, logger *slog.Logger) *Registry {
	r := &Registry{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Registry file not readable, starting with empty registry", "path", path, "error", err)
		return r
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("Registry file malformed, starting with empty registry", "path", path, "error", err)
		return r
	}

	r.owner = doc.Owner
	r.sync = doc.Sync
	r.discovery = doc.Discovery
	for i, raw := range doc.Repositories {
		rec, err := decodeEntry(raw)
		if err != nil {
			logger.Warn("Skipping invalid registry entry", "index", i, "error", err)
			continue
		}
		r.repos = append(r.repos, rec)
	}

	logger.Info("Registry loaded", "path", path, "repositories", len(r.repos))
	return r
}

func decodeEntry(raw json.RawMessage) (model.RepositoryRecord, error) {
	var rec model.RepositoryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("entry is not a valid repository object: %w", err)
	}
	if rec.Name == "" {
		return rec, fmt.Errorf("entry %q is missing required field 'name'", rec.FullName)
	}
	if rec.FullName == "" {
		return rec, fmt.Errorf("entry %q is missing required field 'full_name'", rec.Name)
	}
	if !strings.Contains(rec.FullName, "/") {
		return rec, &apperrors.ErrInvalidRepoFormat{Repo: rec.FullName}
	}
	if rec.SyncPriority <= 0 {
		rec.SyncPriority = 1
	}
	if rec.Type == "" {
		rec.Type = model.CategoryService
	}
	// Keep the serialized shape stable: entries round-trip as [] not null.
	if rec.Features == nil {
		rec.Features = []string{}
	}
	return rec, nil
}

// Snapshot returns a deep copy of the registry state. The sync
// orchestrator reads one snapshot at the start of a batch.
func (r *Registry) Snapshot() model.RepositorySet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	repos := make([]model.RepositoryRecord, len(r.repos))
	copy(repos, r.repos)
	for i := range repos {
		repos[i].Features = append([]string(nil), r.repos[i].Features...)
		if r.repos[i].LastSyncedAt != nil {
			t := *r.repos[i].LastSyncedAt
			repos[i].LastSyncedAt = &t
		}
	}
	return model.RepositorySet{
		Owner:        r.owner,
		Repositories: repos,
		Sync:         r.sync,
		Discovery:    r.discovery,
	}
}

// Upsert inserts rec or, when a record with the same full name already
// exists, updates it in place preserving its insertion position. The
// full-name uniqueness invariant holds across any sequence of upserts.
func (r *Registry) Upsert(rec model.RepositoryRecord) (model.RepositoryRecord, error) {
	if rec.Name == "" || rec.FullName == "" {
		return rec, fmt.Errorf("repository record requires both name and full_name")
	}
	parts := strings.Split(rec.FullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return rec, &apperrors.ErrInvalidRepoFormat{Repo: rec.FullName}
	}
	if rec.SyncPriority <= 0 {
		return rec, fmt.Errorf("sync_priority for %q must be a positive integer", rec.FullName)
	}
	if !model.ValidCategory(rec.Type) {
		return rec, fmt.Errorf("unknown repository category %q for %q", rec.Type, rec.FullName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.repos {
		if r.repos[i].FullName == rec.FullName {
			// Keep the orchestrator-owned field across config updates.
			rec.LastSyncedAt = r.repos[i].LastSyncedAt
			r.repos[i] = rec
			return rec, r.saveLocked()
		}
	}
	r.repos = append(r.repos, rec)
	return rec, r.saveLocked()
}

// SetLastSynced records a successful sync completion for the named
// repository. This is the only registry field not owned by the
// configuration path.
func (r *Registry) SetLastSynced(fullName string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.repos {
		if r.repos[i].FullName == fullName {
			t := at
			r.repos[i].LastSyncedAt = &t
			return r.saveLocked()
		}
	}
	return fmt.Errorf("repository %q not found in registry", fullName)
}

// SetOwner sets the configured hosting-API account when the registry file
// did not carry one.
func (r *Registry) SetOwner(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner == "" {
		r.owner = owner
	}
}

// Reload re-reads the registry document from disk, replacing the in-memory
// state. Invalid entries are skipped exactly as in Load.
func (r *Registry) Reload() {
	fresh := Load(r.path, r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = fresh.owner
	r.sync = fresh.sync
	r.discovery = fresh.discovery
	r.repos = fresh.repos
}

// Save persists the current registry state.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	doc := fileDoc{
		Owner:     r.owner,
		Sync:      r.sync,
		Discovery: r.discovery,
	}
	for _, rec := range r.repos {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode registry entry %q: %w", rec.FullName, err)
		}
		doc.Repositories = append(doc.Repositories, raw)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename so a crash mid-save never truncates the registry.
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Path returns the registry file location.
func (r *Registry) Path() string { return filepath.Clean(r.path) }
