package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/c360studio/lexitask/provider"
	"github.com/c360studio/lexitask/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		resp := map[string]any{
			"id":    "chatcmpl-123",
			"model": "remote-model",
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"total_tokens": 18},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCloud_Translate(t *testing.T) {
	var calls atomic.Int32
	server := completionServer(t, "house", &calls)

	c := provider.NewCloud(provider.CloudConfig{URL: server.URL + "/v1", Model: "remote-model", APIKey: "sk-test"})
	assert.True(t, c.IsAvailable(context.Background()))

	res, err := c.Attempt(context.Background(), task.KindTranslate,
		task.Payload{Text: "casa", SourceLang: "es", TargetLang: "en"})
	require.NoError(t, err)
	assert.Equal(t, "house", res.Text)
	assert.Equal(t, provider.NameCloud, res.Provider)
	assert.Equal(t, "remote-model", res.Model)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCloud_NoCredential(t *testing.T) {
	var calls atomic.Int32
	server := completionServer(t, "house", &calls)

	c := provider.NewCloud(provider.CloudConfig{URL: server.URL + "/v1", Model: "m", APIKeyEnv: "LEXITASK_TEST_UNSET_KEY"})
	assert.False(t, c.IsAvailable(context.Background()))

	_, err := c.Attempt(context.Background(), task.KindTranslate,
		task.Payload{Text: "casa", SourceLang: "es", TargetLang: "en"})
	assert.Equal(t, task.ErrCapabilityUnavailable, task.KindOf(err))
	assert.Zero(t, calls.Load(), "no network call without a credential")
}

func TestCloud_CredentialFromEnv(t *testing.T) {
	t.Setenv("LEXITASK_TEST_KEY", "sk-test")
	var calls atomic.Int32
	server := completionServer(t, "house", &calls)

	c := provider.NewCloud(provider.CloudConfig{URL: server.URL + "/v1/", Model: "m", APIKeyEnv: "LEXITASK_TEST_KEY"})
	_, err := c.Attempt(context.Background(), task.KindTranslate,
		task.Payload{Text: "casa", SourceLang: "es", TargetLang: "en"})
	require.NoError(t, err)
}

func TestCloud_AnalyzeVocabulary(t *testing.T) {
	var calls atomic.Int32
	content := "```json\n[\n  {\"term\": \"casas\", \"lemma\": \"casa\", \"partOfSpeech\": \"noun\", \"translation\": \"houses\", \"level\": \"A1\"}, // common\n]\n```"
	server := completionServer(t, content, &calls)

	c := provider.NewCloud(provider.CloudConfig{URL: server.URL + "/v1", Model: "m", APIKey: "sk-test"})
	res, err := c.Attempt(context.Background(), task.KindAnalyzeVocabulary, task.Payload{Text: "Las casas", TargetLang: "en"})
	require.NoError(t, err)
	require.Len(t, res.Vocabulary, 1)
	assert.Equal(t, "casa", res.Vocabulary[0].Lemma)
	assert.Equal(t, "houses", res.Vocabulary[0].Translation)
}

func TestCloud_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit"}`))
	}))
	defer server.Close()

	c := provider.NewCloud(provider.CloudConfig{URL: server.URL, Model: "m", APIKey: "sk-test"})
	_, err := c.Attempt(context.Background(), task.KindRewrite, task.Payload{Text: "hola"})
	require.Error(t, err)
	assert.Equal(t, task.ErrRateLimited, task.KindOf(err))
	assert.Contains(t, err.Error(), "status 429")
}

func TestCloud_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer server.Close()

	c := provider.NewCloud(provider.CloudConfig{URL: server.URL, Model: "m", APIKey: "sk-test"})
	_, err := c.Attempt(context.Background(), task.KindRewrite, task.Payload{Text: "hola"})
	assert.Equal(t, task.ErrEmptyResult, task.KindOf(err))
}
