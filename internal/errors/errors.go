// internal/errors/errors.go
package errors

import "fmt"

// ErrInvalidRepoFormat is returned when a repository identifier is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// ErrRepoNotConfigured is returned when an operation targets a repository
// absent from the registry.
type ErrRepoNotConfigured struct {
	Repo string
}

func (e *ErrRepoNotConfigured) Error() string {
	return fmt.Sprintf("repository %q is not configured", e.Repo)
}

// ErrRepoDisabled is returned when an operation targets a registry entry
// with enabled=false.
type ErrRepoDisabled struct {
	Repo string
}

func (e *ErrRepoDisabled) Error() string {
	return fmt.Sprintf("repository %q is disabled", e.Repo)
}

// APIErrorKind classifies the terminal outcome of an outbound API call.
type APIErrorKind string

const (
	KindRateLimited APIErrorKind = "rate_limited"
	KindNetwork     APIErrorKind = "network"
	KindServer      APIErrorKind = "server"
	KindClient      APIErrorKind = "client"
	KindAuth        APIErrorKind = "auth"
	KindTimeout     APIErrorKind = "timeout"
)

// APIError is the terminal error of an outbound call after the retry policy
// has run its course. Attempts counts every call made, including the first.
type APIError struct {
	Kind     APIErrorKind
	Attempts int
	Err      error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("api error (%s) after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("api error (%s) after %d attempt(s)", e.Kind, e.Attempts)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the policy may try the call again. Client and
// auth failures are terminal; so is a timeout, which bounds the whole
// retry sequence.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindNetwork, KindServer:
		return true
	}
	return false
}

// AnalysisErrorKind classifies a failed analysis call.
type AnalysisErrorKind string

const (
	AnalysisUnavailable AnalysisErrorKind = "unavailable"
	AnalysisAuth        AnalysisErrorKind = "auth"
	AnalysisRateLimited AnalysisErrorKind = "rate_limited"
	AnalysisMalformed   AnalysisErrorKind = "malformed"
)

// AnalysisError is a terminal failure of the analysis adapter. Analysis
// failures are soft: callers record them without escalating the containing
// operation.
type AnalysisError struct {
	Kind AnalysisErrorKind
	Err  error
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analysis error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("analysis error (%s)", e.Kind)
}

func (e *AnalysisError) Unwrap() error { return e.Err }
