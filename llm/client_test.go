package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/fault"
	"github.com/c360studio/semflow/resilience"
)

const completion = `{
	"model": "test-model",
	"choices": [{"message": {"role": "assistant", "content": "scaffolded"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
}`

func testBreaker() *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "test-model",
		FailureThreshold: 5,
		MinimumRequests:  100,
		OpenDuration:     time.Minute,
		CallTimeout:      5 * time.Second,
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		Endpoint: server.URL,
		Model:    "test-model",
		APIKey:   "sk-test",
	}, testBreaker())
	require.NoError(t, err)
	return client
}

func TestCompleteParsesResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(completion))
	})

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "scaffold a web app"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "scaffolded", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestCompleteRequiresMessages(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.Complete(context.Background(), Request{})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestNewClientRequiresCredential(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "http://localhost", Model: "m"}, testBreaker())
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestRateLimitClassified(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	assert.Equal(t, fault.KindRateLimit, fault.KindOf(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	assert.True(t, IsTransient(err))
}

func TestClientErrorIsFatal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "model",
		FailureThreshold: 5,
		MinimumRequests:  100,
		OpenDuration:     time.Minute,
		CallTimeout:      5 * time.Second,
	})
	client, err := NewClient(Config{Endpoint: server.URL, Model: "m", APIKey: "k"}, breaker)
	require.NoError(t, err)

	req := Request{Messages: []Message{{Role: "user", Content: "x"}}}
	for range 5 {
		_, err := client.Complete(context.Background(), req)
		assert.Error(t, err)
	}
	require.Equal(t, int64(5), hits.Load())

	// Breaker open: the endpoint is no longer reached.
	for range 10 {
		_, err := client.Complete(context.Background(), req)
		assert.Equal(t, fault.KindCircuitOpen, fault.KindOf(err))
	}
	assert.Equal(t, int64(5), hits.Load())
}
