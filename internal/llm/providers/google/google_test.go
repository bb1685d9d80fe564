package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/huaxu/internal/llm"
)

func TestCompleteTextUsesGenerateContent(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-pro:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"分段"},{"text":"建议"}]},"finishReason":"STOP"}],` +
			`"usageMetadata":{"totalTokenCount":42}}`))
	}))
	defer srv.Close()

	p, err := llm.GetProvider("gemini", map[string]string{"api_key": "g-key", "api_url": srv.URL, "default_model": "gemini-pro"})
	require.NoError(t, err)

	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{SystemPrompt: "sys", Prompt: "从前", MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "分段建议", resp.Text)
	assert.Equal(t, "STOP", resp.FinishReason)
	assert.Equal(t, 42, resp.TokensUsed)

	require.Contains(t, got, "systemInstruction")
	cfg := got["generationConfig"].(map[string]interface{})
	assert.EqualValues(t, 100, cfg["maxOutputTokens"])
}

func TestCompleteTextNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	p, err := llm.GetProvider("google", map[string]string{"api_key": "k", "api_url": srv.URL})
	require.NoError(t, err)
	_, err = p.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "x"})
	assert.Error(t, err)

	_, err = p.GenerateImage(context.Background(), llm.ImageRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrImageUnsupported)
}
