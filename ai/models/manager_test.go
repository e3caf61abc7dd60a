package models

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildseer/guildseer/ai/llm"
)

type stubService struct {
	name      string
	ensureErr error
	ensures   atomic.Int32
}

func (s *stubService) Chat(_ context.Context, _ []llm.Message, _ ...llm.Option) (string, *llm.CallStats, error) {
	return "", &llm.CallStats{}, nil
}

func (s *stubService) ChatWithTools(_ context.Context, _ []llm.Message, _ []llm.ToolDescriptor) (*llm.ChatResponse, *llm.CallStats, error) {
	return &llm.ChatResponse{}, &llm.CallStats{}, nil
}

func (s *stubService) DescribeImage(_ context.Context, _ []byte, _, _ string) (string, *llm.CallStats, error) {
	return "", &llm.CallStats{}, nil
}

func (s *stubService) EnsureAvailable(_ context.Context) error {
	s.ensures.Add(1)
	return s.ensureErr
}

func (s *stubService) HealthCheck(_ context.Context) llm.Health {
	return llm.Health{Model: s.name, Healthy: s.ensureErr == nil}
}

func (s *stubService) ModelName() string { return s.name }

func TestStartWarmsBothModels(t *testing.T) {
	text := &stubService{name: "text-model"}
	vision := &stubService{name: "vision-model"}
	m := NewManager(text, vision)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Equal(t, int32(1), text.ensures.Load())
	assert.Equal(t, int32(1), vision.ensures.Load())
}

func TestStartFailsWhenOneModelIsUnavailable(t *testing.T) {
	text := &stubService{name: "text-model"}
	vision := &stubService{name: "vision-model", ensureErr: errors.New("connection refused")}
	m := NewManager(text, vision)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model warm-up")
}

func TestStopWithoutStartReturns(t *testing.T) {
	m := NewManager(&stubService{name: "a"}, &stubService{name: "b"})

	// Must not block on the keep-alive loop that never started.
	m.Stop()
	m.Stop()
}

func TestStopIsIdempotentAfterStart(t *testing.T) {
	m := NewManager(&stubService{name: "a"}, &stubService{name: "b"})
	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	m.Stop()
}

func TestHealthCheckBothReportsBothModels(t *testing.T) {
	text := &stubService{name: "text-model"}
	vision := &stubService{name: "vision-model", ensureErr: errors.New("down")}
	m := NewManager(text, vision)

	healths := m.HealthCheckBoth(context.Background())
	require.Len(t, healths, 2)
	assert.Equal(t, "text-model", healths[0].Model)
	assert.True(t, healths[0].Healthy)
	assert.Equal(t, "vision-model", healths[1].Model)
	assert.False(t, healths[1].Healthy)
}

func TestModelNames(t *testing.T) {
	text := &stubService{name: "llama3.1"}
	vision := &stubService{name: "llava"}
	m := NewManager(text, vision)
	assert.Equal(t, "llama3.1", m.TextModelName())
	assert.Equal(t, "llava", m.VisionModelName())
	assert.Same(t, text, m.Text())
	assert.Same(t, vision, m.Vision())
}
