package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingService struct {
	model string
}

func (s *countingService) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1}, nil
}

func (s *countingService) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func (s *countingService) ModelName() string { return s.model }

func TestRegistryConstructsEachModelOnce(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(func(model string) (Service, error) {
		built.Add(1)
		return &countingService{model: model}, nil
	})

	first, err := r.Get("nomic-embed-text")
	require.NoError(t, err)
	second, err := r.Get("nomic-embed-text")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), built.Load())

	_, err = r.Get("mxbai-embed-large")
	require.NoError(t, err)
	assert.Equal(t, int32(2), built.Load())
	assert.ElementsMatch(t, []string{"nomic-embed-text", "mxbai-embed-large"}, r.Loaded())
}

func TestRegistryGetRequiresName(t *testing.T) {
	r := NewRegistry(func(model string) (Service, error) {
		return &countingService{model: model}, nil
	})
	_, err := r.Get("")
	assert.Error(t, err)
}

func TestRegistryRetriesFailedConstruction(t *testing.T) {
	var attempts atomic.Int32
	r := NewRegistry(func(model string) (Service, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("endpoint down")
		}
		return &countingService{model: model}, nil
	})

	_, err := r.Get("nomic-embed-text")
	require.Error(t, err)

	svc, err := r.Get("nomic-embed-text")
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", svc.ModelName())
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRegistryGetIsConcurrencySafe(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(func(model string) (Service, error) {
		built.Add(1)
		return &countingService{model: model}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Get("nomic-embed-text")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), built.Load())
}

func TestPreloadConstructsInBackground(t *testing.T) {
	r := NewRegistry(func(model string) (Service, error) {
		return &countingService{model: model}, nil
	})

	r.Preload(context.Background(), "nomic-embed-text")

	require.Eventually(t, func() bool {
		return len(r.Loaded()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewServiceRequiresModel(t *testing.T) {
	_, err := NewService(&Config{})
	assert.Error(t, err)
}

// embeddingsStub fakes the OpenAI-compatible embeddings endpoint.
func embeddingsStub(t *testing.T, vectors [][]float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embeddings", r.URL.Path)

		type datum struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Object string  `json:"object"`
			Data   []datum `json:"data"`
			Model  string  `json:"model"`
		}{Object: "list", Model: "nomic-embed-text"}
		for i, v := range vectors {
			resp.Data = append(resp.Data, datum{Object: "embedding", Index: i, Embedding: v})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestServiceEmbedBatch(t *testing.T) {
	srv := embeddingsStub(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}})
	defer srv.Close()

	svc, err := NewService(&Config{Model: "nomic-embed-text", APIKey: "ollama", BaseURL: srv.URL})
	require.NoError(t, err)

	vectors, err := svc.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestServiceEmbedSingle(t *testing.T) {
	srv := embeddingsStub(t, [][]float32{{0.5, 0.6, 0.7}})
	defer srv.Close()

	svc, err := NewService(&Config{Model: "nomic-embed-text", BaseURL: srv.URL})
	require.NoError(t, err)

	vector, err := svc.Embed(context.Background(), "solo")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6, 0.7}, vector)
}

func TestServiceEmbedBatchRejectsEmptyInput(t *testing.T) {
	svc, err := NewService(&Config{Model: "nomic-embed-text"})
	require.NoError(t, err)

	_, err = svc.EmbedBatch(context.Background(), nil)
	assert.Error(t, err)
}
