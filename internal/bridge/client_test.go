package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticURL(t *testing.T) {
	c := NewClient("http://127.0.0.1:8000/", false)

	assert.Equal(t, "http://127.0.0.1:8000/static/generated_images/out1.png", c.StaticURL(`c:\tmp\out1.png`))
	assert.Equal(t, "http://127.0.0.1:8000/static/generated_images/scene_001.png", c.StaticURL("generated_images/scene_001.png"))
	assert.Equal(t, "http://127.0.0.1:8000/static/generated_images/a.png", c.StaticURL("a.png"))
	assert.Equal(t, "HTTPS://cdn.example.com/x.png", c.StaticURL("HTTPS://cdn.example.com/x.png"))
}

func TestMediaURLs(t *testing.T) {
	c := NewClient("http://bridge", false)
	assert.Equal(t, []string{"http://bridge/static/generated_images/a.png", "http://x/b.png"},
		c.MediaURLs(&Response{OK: true, Files: []string{"a.png", "", "http://x/b.png"}}))
	assert.Equal(t, []string{"http://bridge/static/placeholder.png"},
		c.MediaURLs(&Response{OK: true, URL: "http://bridge/static/placeholder.png"}))
	assert.Nil(t, c.MediaURLs(&Response{OK: true}))
}

func TestAnalyzeSimulateAndPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("simulate"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "从前有座山", body["text"])
		assert.Equal(t, "sk", body["api_key"])
		_, hasCamel := body["apiKey"]
		assert.False(t, hasCamel)

		_, _ = w.Write([]byte(`{"ok":true,"result":{"segments":[{"text":"从前","summary":"开端"}]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, true)
	resp, err := c.Analyze(context.Background(), AnalyzeRequest{Text: "从前有座山", APIKey: "sk"})
	require.NoError(t, err)
	assert.True(t, resp.HasResult())
	assert.Contains(t, string(resp.Result), "segments")
}

func TestAnalyzeRejectsBadResponses(t *testing.T) {
	status := http.StatusOK
	body := `{"ok":false,"error":"boom"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, false)

	_, err := c.Analyze(context.Background(), AnalyzeRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	body = `not json`
	_, err = c.Analyze(context.Background(), AnalyzeRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	status, body = http.StatusInternalServerError, `{"ok":false}`
	_, err = c.Analyze(context.Background(), AnalyzeRequest{Text: "x"})
	assert.Error(t, err)

	status, body = http.StatusOK, `{"ok":true,"url":"http://x/p.png"}`
	resp, err := c.Analyze(context.Background(), AnalyzeRequest{Text: "x"})
	require.NoError(t, err)
	assert.True(t, resp.HasMedia())
	assert.Contains(t, string(resp.Raw), "p.png")
}

func TestAnalyzeHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewClient(srv.URL, false).Analyze(ctx, AnalyzeRequest{Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGenerateImageAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/generate_image":
			var body ImageRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "森林", body.Prompt)
			assert.Equal(t, "sd-xl-1.0", body.ImageModel)
			_, _ = w.Write([]byte(`{"ok":true,"files":["scene_001.png"]}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, false)
	require.NoError(t, c.Health(context.Background()))

	resp, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "森林", ImageModel: "sd-xl-1.0"})
	require.NoError(t, err)
	assert.Equal(t, []string{srv.URL + "/static/generated_images/scene_001.png"}, c.MediaURLs(resp))
}
