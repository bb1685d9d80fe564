package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/huaxu/internal/llm"
)

func TestCompleteTextUsesMessagesAPI(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("X-Api-Key"))
		assert.Equal(t, defaultAPIVersion, r.Header.Get("Anthropic-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"claude-x","stop_reason":"end_turn",` +
			`"content":[{"type":"text","text":"概要："},{"type":"text","text":"花园"}],` +
			`"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	p, err := llm.GetProvider("anthropic", map[string]string{"api_key": "sk-ant", "api_url": srv.URL + "/"})
	require.NoError(t, err)

	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{SystemPrompt: "sys", Prompt: "从前"})
	require.NoError(t, err)
	assert.Equal(t, "概要：花园", resp.Text)
	assert.Equal(t, 15, resp.TokensUsed)
	assert.Equal(t, "claude-x", resp.ModelName)

	assert.Equal(t, "sys", got["system"])
	assert.EqualValues(t, defaultMaxTokens, got["max_tokens"])
	assert.Equal(t, defaultModel, got["model"])
}

func TestCompleteTextReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	p, err := llm.GetProvider("anthropic", map[string]string{"api_key": "bad", "api_url": srv.URL})
	require.NoError(t, err)

	_, err = p.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "x"})
	var apiErr *llm.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid x-api-key", apiErr.Message)
}

func TestInitializeAndImage(t *testing.T) {
	_, err := llm.GetProvider("anthropic", map[string]string{})
	assert.Error(t, err)

	p, err := llm.GetProvider("anthropic", map[string]string{"api_key": "k"})
	require.NoError(t, err)
	_, err = p.GenerateImage(context.Background(), llm.ImageRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrImageUnsupported)
}
