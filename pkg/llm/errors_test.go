package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusRequestTimeout, ErrTransient},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
		{http.StatusBadRequest, ErrInvalidInput},
		{http.StatusNotFound, ErrInvalidInput},
		{http.StatusUnprocessableEntity, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := error(&APIError{StatusCode: tt.status})
			assert.ErrorIs(t, err, tt.want)

			// http.Client wraps transport errors in *url.Error.
			wrapped := &url.Error{Op: "Post", URL: "http://x/embeddings", Err: err}
			assert.ErrorIs(t, classify(context.Background(), wrapped), tt.want)
		})
	}
}

func TestClassifyByMessage(t *testing.T) {
	ctx := context.Background()

	err := classify(ctx, errors.New("API returned unexpected status code: 429: slow down"))
	assert.ErrorIs(t, err, ErrRateLimited)

	err = classify(ctx, errors.New("dial tcp: connection refused"))
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, IsRetryable(err))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = classify(canceled, fmt.Errorf("request failed: %w", context.Canceled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))

	at := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(at), 59*time.Minute)
}

type fakeClient struct {
	calls int32
}

func (f *fakeClient) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestEmbedderRequestsPerSecond(t *testing.T) {
	client := &fakeClient{}
	emb := newEmbedder(EmbedderConfig{
		Provider:          ProviderOpenAI,
		Model:             DefaultModel,
		RequestsPerSecond: 20,
		Retry:             DefaultRetryPolicy(),
	}, client)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := emb.Embed(context.Background(), "text")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&client.calls))
}
