// internal/model/models.go
package model

import "time"

// RepoCategory classifies a managed repository.
type RepoCategory string

const (
	CategoryCore         RepoCategory = "core"
	CategoryService      RepoCategory = "service"
	CategoryFrontend     RepoCategory = "frontend"
	CategoryExperimental RepoCategory = "experimental"
)

// ValidCategory reports whether c is one of the known repository categories.
func ValidCategory(c RepoCategory) bool {
	switch c {
	case CategoryCore, CategoryService, CategoryFrontend, CategoryExperimental:
		return true
	}
	return false
}

// RepositoryRecord identifies one managed remote repository in the registry.
// FullName (owner/name) is unique across the registry.
type RepositoryRecord struct {
	Name         string       `json:"name"`
	FullName     string       `json:"full_name"`
	Type         RepoCategory `json:"type"`
	Description  string       `json:"description,omitempty"`
	Enabled      bool         `json:"enabled"`
	SyncPriority int          `json:"sync_priority"`
	Features     []string     `json:"features"`
	LastSyncedAt *time.Time   `json:"last_synced_at,omitempty"`
}

// SyncSettings controls the background sync loop.
type SyncSettings struct {
	AutoSyncEnabled     bool `json:"auto_sync_enabled"`
	SyncIntervalMinutes int  `json:"sync_interval_minutes"`
}

// DiscoverySettings controls repository discovery.
type DiscoverySettings struct {
	AutoDiscoverNewRepos bool   `json:"auto_discover_new_repos"`
	RepoNamePattern      string `json:"repo_name_pattern"`
}

// RepositorySet is a consistent snapshot of the registry, read once at the
// start of a batch so a mid-batch registry mutation cannot produce a
// partially stale view.
type RepositorySet struct {
	Owner        string             `json:"owner"`
	Repositories []RepositoryRecord `json:"repositories"`
	Sync         SyncSettings       `json:"sync_settings"`
	Discovery    DiscoverySettings  `json:"discovery_settings"`
}

// SyncStatus is the lifecycle state of a SyncRun.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// SyncRun is the outcome of one attempt to synchronize one repository.
// It is created pending, updated in place until a terminal status, and
// immutable afterward.
type SyncRun struct {
	ID           string         `json:"id"`
	RepoFullName string         `json:"repo_full_name"`
	Attempts     int            `json:"attempts"`
	Status       SyncStatus     `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	Analysis     string         `json:"analysis,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// CommitSummary is the slice of commit metadata kept in a repo state summary.
type CommitSummary struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// RepoState is the fetched remote state of one repository. Exists is false
// when the hosting API reports the repository missing (a planned repo),
// which is not treated as a fetch failure.
type RepoState struct {
	Exists        bool            `json:"exists"`
	Name          string          `json:"name,omitempty"`
	FullName      string          `json:"full_name,omitempty"`
	Description   string          `json:"description,omitempty"`
	DefaultBranch string          `json:"default_branch,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Branches      []string        `json:"branches,omitempty"`
	RecentCommits []CommitSummary `json:"recent_commits,omitempty"`
	Stars         int             `json:"stars"`
	Forks         int             `json:"forks"`
	OpenIssues    int             `json:"open_issues"`
}

// CandidateRepo is a discovered repository not yet present in the registry.
type CandidateRepo struct {
	Name        string `json:"name"`
	FullName    string `json:"full_name"`
	Description string `json:"description,omitempty"`
}

// WebhookEvent is one inbound notification from the hosting API, created
// after signature verification and finalized once by the dispatcher.
type WebhookEvent struct {
	ID            string     `json:"id"`
	EventType     string     `json:"event_type"`
	Action        string     `json:"action,omitempty"`
	DeliveryID    string     `json:"delivery_id,omitempty"`
	Payload       []byte     `json:"payload,omitempty"`
	Processed     bool       `json:"processed"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	HandlerResult string     `json:"handler_result,omitempty"`
	Error         string     `json:"error,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
}

// AnalysisInteraction records one call to the external analysis service.
// Append-only.
type AnalysisInteraction struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}
