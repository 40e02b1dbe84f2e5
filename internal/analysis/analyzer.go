// internal/analysis/analyzer.go
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"

	apperrors "kova-sync/internal/errors"
	"kova-sync/internal/model"
	"kova-sync/internal/retry"
	"kova-sync/internal/store"
)

const (
	defaultMaxTokens = 4000
	// The caller-facing ceiling on one analysis call, retries included.
	defaultCallTimeout = 60 * time.Second
)

// Analyzer sends a repository or event summary to the external analysis
// service and returns its free-text analysis. Failures are soft for
// callers: they are recorded, not escalated.
type Analyzer interface {
	Analyze(ctx context.Context, subject, summary string) (string, error)
}

// Claude is the Anthropic-backed Analyzer. Every call is bounded by a
// single overall deadline, goes through the shared retry policy, and is
// recorded as an AnalysisInteraction.
type Claude struct {
	llm     llms.Model
	store   store.Store
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewClaude builds the Anthropic analyzer.
func NewClaude(apiKey, modelName string, policy retry.Policy, st store.Store, logger *slog.Logger) (*Claude, error) {
	llm, err := anthropic.New(
		anthropic.WithToken(apiKey),
		anthropic.WithModel(modelName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize analysis model: %w", err)
	}
	return &Claude{
		llm:     llm,
		store:   st,
		policy:  policy,
		timeout: defaultCallTimeout,
		logger:  logger,
	}, nil
}

// Analyze runs one retry-wrapped analysis call and records the
// interaction. subject identifies the originating context, e.g.
// "repo:owner/name" or "webhook:<delivery-id>".
func (c *Claude) Analyze(ctx context.Context, subject, summary string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := buildPrompt(subject, summary)
	started := time.Now()

	var response string
	_, err := c.policy.Do(ctx, func(ctx context.Context) error {
		text, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, llms.WithMaxTokens(defaultMaxTokens))
		if err != nil {
			return classifyLLMError(err)
		}
		response = text
		return nil
	})

	c.record(subject, prompt, response, time.Since(started), err == nil)

	if err != nil {
		return "", toAnalysisError(err)
	}
	return response, nil
}

func (c *Claude) record(subject, prompt, response string, latency time.Duration, success bool) {
	in := &model.AnalysisInteraction{
		ID:        uuid.NewString(),
		Subject:   subject,
		Prompt:    prompt,
		Response:  response,
		LatencyMS: latency.Milliseconds(),
		Success:   success,
		CreatedAt: time.Now().UTC(),
	}
	// Recording is best-effort; a store hiccup must not mask the analysis
	// result itself.
	recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.AppendAnalysis(recCtx, in); err != nil {
		c.logger.Error("Failed to record analysis interaction", "subject", subject, "error", err)
	}
}

func buildPrompt(subject, summary string) string {
	if strings.HasPrefix(subject, "webhook:") {
		return fmt.Sprintf(`Analyze this GitHub webhook event:

%s

Provide insights about:
1. What happened
2. Potential impact
3. Recommended actions
4. Any concerns or issues`, summary)
	}
	return fmt.Sprintf("Analyze this repository data:\n\n%s", summary)
}

// classifyLLMError maps a langchaingo transport error onto the retry
// taxonomy. The SDK does not expose typed errors, so this keys off the
// upstream status text.
func classifyLLMError(err error) *apperrors.APIError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return &apperrors.APIError{Kind: apperrors.KindRateLimited, Err: err}
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "api key"):
		return &apperrors.APIError{Kind: apperrors.KindAuth, Err: err}
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "overloaded"):
		return &apperrors.APIError{Kind: apperrors.KindServer, Err: err}
	case strings.Contains(msg, "context deadline exceeded"):
		return &apperrors.APIError{Kind: apperrors.KindTimeout, Err: err}
	default:
		return &apperrors.APIError{Kind: apperrors.KindClient, Err: err}
	}
}

func toAnalysisError(err error) *apperrors.AnalysisError {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case apperrors.KindAuth:
			return &apperrors.AnalysisError{Kind: apperrors.AnalysisAuth, Err: err}
		case apperrors.KindRateLimited:
			return &apperrors.AnalysisError{Kind: apperrors.AnalysisRateLimited, Err: err}
		}
	}
	return &apperrors.AnalysisError{Kind: apperrors.AnalysisMalformed, Err: err}
}

// Unavailable returns an Analyzer for the unconfigured state: every call
// fails immediately with a typed unavailable error and nothing is retried
// or recorded.
func Unavailable() Analyzer { return unavailable{} }

type unavailable struct{}

func (unavailable) Analyze(context.Context, string, string) (string, error) {
	return "", &apperrors.AnalysisError{
		Kind: apperrors.AnalysisUnavailable,
		Err:  errors.New("analysis API key not configured"),
	}
}
