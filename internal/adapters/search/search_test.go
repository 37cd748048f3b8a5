package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/policy"
)

func newTestClient(t *testing.T, calls *atomic.Int64, captured *[]chatRequest) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		*captured = append(*captured, req)

		resp := chatResponse{
			Citations: []string{"https://example.com/1", "https://example.com/2"},
		}
		resp.Choices = []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "Вот что удалось найти."}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)

	client := NewClient("test-key", "sonar", policy.NewRecencyPolicy(), time.Minute)
	client.baseURL = server.URL
	return client
}

func TestSearchEnforcesMandatoryRecency(t *testing.T) {
	var calls atomic.Int64
	var captured []chatRequest
	client := newTestClient(t, &calls, &captured)

	requested := 365
	result, err := client.Search(context.Background(), "новости про AI сегодня", "", &requested, "", 5)
	require.NoError(t, err)

	assert.Equal(t, "news", result.Category)
	require.NotNil(t, result.Policy.RecencyDays)
	assert.Equal(t, 1, *result.Policy.RecencyDays)
	assert.True(t, result.Policy.Enforced)
	assert.LessOrEqual(t, *result.Policy.RecencyDays, result.Policy.MaxDays)

	// The upstream call carried the enforced window, not the requested one.
	require.Len(t, captured, 1)
	assert.Equal(t, "day", captured[0].SearchRecencyFilter)
}

func TestSearchForbiddenCategoryStripsRecency(t *testing.T) {
	var calls atomic.Int64
	var captured []chatRequest
	client := newTestClient(t, &calls, &captured)

	requested := 7
	result, err := client.Search(context.Background(), "когда был основан Рим", "", &requested, "", 5)
	require.NoError(t, err)

	assert.Equal(t, "historical", result.Category)
	assert.Nil(t, result.Policy.RecencyDays)
	assert.True(t, result.Policy.Enforced)

	require.Len(t, captured, 1)
	assert.Empty(t, captured[0].SearchRecencyFilter)
}

func TestSearchCachesByQueryAndPolicy(t *testing.T) {
	var calls atomic.Int64
	var captured []chatRequest
	client := newTestClient(t, &calls, &captured)

	for i := 0; i < 3; i++ {
		_, err := client.Search(context.Background(), "погода в Москве", "", nil, "", 5)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestSearchOverrideAcceptedForRecommended(t *testing.T) {
	var calls atomic.Int64
	var captured []chatRequest
	client := newTestClient(t, &calls, &captured)

	requested := 730
	result, err := client.Search(context.Background(), "how to learn Go step by step", "", &requested,
		"user explicitly asked for older tutorials too", 5)
	require.NoError(t, err)

	assert.Equal(t, "tutorials", result.Category)
	require.NotNil(t, result.Policy.RecencyDays)
	assert.Equal(t, 730, *result.Policy.RecencyDays)
	assert.NotEmpty(t, result.Policy.OverrideReason)
}

func TestSearchOverrideRejectedForMandatory(t *testing.T) {
	var calls atomic.Int64
	var captured []chatRequest
	client := newTestClient(t, &calls, &captured)

	requested := 365
	result, err := client.Search(context.Background(), "news about the election", "", &requested,
		"a very long and convincing reason that exceeds twenty characters", 5)
	require.NoError(t, err)

	// Mandatory stays non-negotiable regardless of the reason.
	require.NotNil(t, result.Policy.RecencyDays)
	assert.NotEqual(t, 365, *result.Policy.RecencyDays)
	assert.Empty(t, result.Policy.OverrideReason)
}

func TestSearchReturnsSources(t *testing.T) {
	var calls atomic.Int64
	var captured []chatRequest
	client := newTestClient(t, &calls, &captured)

	result, err := client.Search(context.Background(), "что такое векторная база", "", nil, "", 1)
	require.NoError(t, err)
	assert.Equal(t, "Вот что удалось найти.", result.Answer)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, domain.SearchSource{Title: "https://example.com/1", URL: "https://example.com/1"}, result.Sources[0])
}
