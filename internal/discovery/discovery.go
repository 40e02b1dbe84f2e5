// internal/discovery/discovery.go
package discovery

import (
	"context"
	"log/slog"
	"strings"

	"kova-sync/internal/model"
)

// RepoLister lists repositories owned by an account on the hosting API.
type RepoLister interface {
	ListOwnerRepos(ctx context.Context, owner string) ([]model.CandidateRepo, error)
}

// Service finds repositories matching the configured naming pattern that
// are not yet present in the registry. It is report-only: callers decide
// whether to add candidates.
type Service struct {
	lister RepoLister
	logger *slog.Logger
}

func NewService(lister RepoLister, logger *slog.Logger) *Service {
	return &Service{lister: lister, logger: logger}
}

// Discover lists the owner's repositories, keeps those whose name contains
// the discovery pattern (case-insensitive), and subtracts repositories
// already configured. An unreachable hosting API yields an empty list and
// the surfaced error.
func (s *Service) Discover(ctx context.Context, snapshot model.RepositorySet) ([]model.CandidateRepo, error) {
	if snapshot.Owner == "" {
		s.logger.Warn("Discovery skipped: no owner configured")
		return nil, nil
	}

	all, err := s.lister.ListOwnerRepos(ctx, snapshot.Owner)
	if err != nil {
		s.logger.Error("Failed to list owner repositories", "owner", snapshot.Owner, "error", err)
		return nil, err
	}

	pattern := strings.ToLower(snapshot.Discovery.RepoNamePattern)
	known := make(map[string]struct{}, len(snapshot.Repositories))
	for _, r := range snapshot.Repositories {
		known[r.FullName] = struct{}{}
	}

	var candidates []model.CandidateRepo
	for _, repo := range all {
		if pattern != "" && !strings.Contains(strings.ToLower(repo.Name), pattern) {
			continue
		}
		if _, ok := known[repo.FullName]; ok {
			continue
		}
		candidates = append(candidates, repo)
	}

	s.logger.Info("Discovery finished", "owner", snapshot.Owner, "candidates", len(candidates))
	return candidates, nil
}
