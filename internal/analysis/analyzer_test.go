// internal/analysis/analyzer_test.go
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	apperrors "kova-sync/internal/errors"
	"kova-sync/internal/retry"
	"kova-sync/internal/store"
)

// fakeModel returns canned responses per call, in order.
type fakeModel struct {
	calls     int
	responses []string
	errs      []error
}

func (f *fakeModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	text := ""
	if i < len(f.responses) {
		text = f.responses[i]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := f.GenerateContent(ctx, nil, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func immediatePolicy() retry.Policy {
	p := retry.Default()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func newTestClaude(model llms.Model, st store.Store) *Claude {
	return &Claude{
		llm:     model,
		store:   st,
		policy:  immediatePolicy(),
		timeout: time.Minute,
		logger:  testLogger(),
	}
}

func TestAnalyze_Success(t *testing.T) {
	st := store.NewMemory()
	c := newTestClaude(&fakeModel{responses: []string{"healthy repository"}}, st)

	text, err := c.Analyze(context.Background(), "repo:acme/widget", `{"full_name":"acme/widget"}`)
	require.NoError(t, err)
	assert.Equal(t, "healthy repository", text)

	recorded, err := st.ListAnalyses(context.Background(), "repo:acme/widget", 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Success)
	assert.Equal(t, "healthy repository", recorded[0].Response)
	assert.Contains(t, recorded[0].Prompt, "Analyze this repository data:")
}

func TestAnalyze_RetriesTransientFailure(t *testing.T) {
	st := store.NewMemory()
	model := &fakeModel{
		errs:      []error{errors.New("anthropic: 529 overloaded"), nil},
		responses: []string{"", "recovered"},
	}
	c := newTestClaude(model, st)

	text, err := c.Analyze(context.Background(), "repo:acme/widget", "{}")
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, 2, model.calls)
}

func TestAnalyze_AuthFailureNotRetried(t *testing.T) {
	st := store.NewMemory()
	model := &fakeModel{errs: []error{errors.New("anthropic: 401 invalid api key")}}
	c := newTestClaude(model, st)

	_, err := c.Analyze(context.Background(), "repo:acme/widget", "{}")
	var analysisErr *apperrors.AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, apperrors.AnalysisAuth, analysisErr.Kind)
	assert.Equal(t, 1, model.calls)

	// Failed interactions are recorded too.
	recorded, recErr := st.ListAnalyses(context.Background(), "repo:acme/widget", 10)
	require.NoError(t, recErr)
	require.Len(t, recorded, 1)
	assert.False(t, recorded[0].Success)
}

func TestAnalyze_PersistentRateLimit(t *testing.T) {
	st := store.NewMemory()
	rateLimited := errors.New("anthropic: 429 rate limit exceeded")
	model := &fakeModel{errs: []error{rateLimited, rateLimited, rateLimited, rateLimited, rateLimited}}
	c := newTestClaude(model, st)

	_, err := c.Analyze(context.Background(), "repo:acme/widget", "{}")
	var analysisErr *apperrors.AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, apperrors.AnalysisRateLimited, analysisErr.Kind)
	assert.Equal(t, 5, model.calls)
}

func TestBuildPrompt(t *testing.T) {
	webhook := buildPrompt("webhook:ev-1", `{"event":"push"}`)
	assert.Contains(t, webhook, "Analyze this GitHub webhook event:")
	assert.Contains(t, webhook, "Recommended actions")

	repo := buildPrompt("repo:acme/widget", `{"full_name":"acme/widget"}`)
	assert.Contains(t, repo, "Analyze this repository data:")
	assert.NotContains(t, repo, "webhook")
}

func TestClassifyLLMError(t *testing.T) {
	cases := []struct {
		msg  string
		kind apperrors.APIErrorKind
	}{
		{"anthropic: 429 too many requests", apperrors.KindRateLimited},
		{"rate limit exceeded", apperrors.KindRateLimited},
		{"401 unauthorized", apperrors.KindAuth},
		{"invalid api key", apperrors.KindAuth},
		{"500 internal server error", apperrors.KindServer},
		{"model overloaded", apperrors.KindServer},
		{"context deadline exceeded", apperrors.KindTimeout},
		{"unexpected response shape", apperrors.KindClient},
	}
	for _, tc := range cases {
		got := classifyLLMError(errors.New(tc.msg))
		assert.Equal(t, tc.kind, got.Kind, tc.msg)
	}
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable().Analyze(context.Background(), "repo:acme/widget", "{}")
	var analysisErr *apperrors.AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, apperrors.AnalysisUnavailable, analysisErr.Kind)
}
