package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/snowmanjy/ai2qa/internal/config"
	"github.com/snowmanjy/ai2qa/internal/resilience"
)

// MockGenerator is a mock implementation of the Generator interface for testing.
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, model string, req GenerationRequest) (string, error) {
	args := m.Called(ctx, model, req)
	return args.String(0), args.Error(1)
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidLLMConfig returns a valid LLMConfig for testing purposes.
func getValidLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:      config.ProviderGemini,
		APIKey:        "test-api-key",
		FastModel:     "test-flash",
		PowerfulModel: "test-pro",
		FallbackModel: "test-lite",
		Temperature:   0.2,
		MaxTokens:     1024,
		APITimeout:    5 * time.Second,
	}
}

// newResilientClient builds a resilient client with fast test settings.
func newResilientClient(t *testing.T, fallback string) *resilience.Client {
	t.Helper()
	pool := resilience.NewPool(2, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, pool.Shutdown(ctx))
	})
	return resilience.NewClient(pool, resilience.Options{
		DefaultTimeout:      5 * time.Second,
		MaxRateLimitRetries: 1,
		Backoff:             resilience.NewBackoff(time.Millisecond, 2*time.Millisecond),
		FallbackModel:       fallback,
	}, zaptest.NewLogger(t))
}
