package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu     sync.Mutex
	bodies []map[string]any
	auth   string
}

func (c *captured) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[len(c.bodies)-1]
}

func completionServer(t *testing.T, content string) (*httptest.Server, *captured) {
	t.Helper()
	rec := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.bodies = append(rec.bodies, body)
		rec.auth = r.Header.Get("Authorization")
		rec.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   body["model"],
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestComplete(t *testing.T) {
	srv, rec := completionServer(t, "  summary text \n")
	c := New(Options{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-x", MaxTokens: 123})

	got, err := c.Complete(context.Background(), "be brief", "hello")
	require.NoError(t, err)
	assert.Equal(t, "summary text", got)
	assert.Equal(t, "Bearer sk-test", rec.auth)

	body := rec.last()
	assert.Equal(t, "gpt-x", body["model"])
	assert.EqualValues(t, 123, body["max_tokens"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "be brief", msgs[0].(map[string]any)["content"])
	assert.Equal(t, "hello", msgs[1].(map[string]any)["content"])
	assert.NotContains(t, body, "response_format")
}

func TestComplete_NoSystem(t *testing.T) {
	srv, rec := completionServer(t, "ok")
	c := New(Options{APIKey: "k", BaseURL: srv.URL, Model: "m"})

	_, err := c.Complete(context.Background(), " ", "hi")
	require.NoError(t, err)
	assert.Len(t, rec.last()["messages"].([]any), 1)
}

func TestCompleteJSON(t *testing.T) {
	srv, rec := completionServer(t, `{"summary":"x"}`)
	c := New(Options{APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o"})

	got, err := c.CompleteJSON(context.Background(), "", "doc")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"x"}`, got)
	rf := rec.last()["response_format"].(map[string]any)
	assert.Equal(t, "json_object", rf["type"])
}

func TestDescribe(t *testing.T) {
	srv, rec := completionServer(t, "a cat on a sofa")
	c := New(Options{APIKey: "k", BaseURL: srv.URL, Model: "GLM-4V-Flash"})

	got, err := c.Describe(context.Background(), "data:image/jpeg;base64,AAAA", "describe")
	require.NoError(t, err)
	assert.Equal(t, "a cat on a sofa", got)

	msgs := rec.last()["messages"].([]any)
	require.Len(t, msgs, 1)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	img := parts[0].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	imgURL := img["image_url"].(map[string]any)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", imgURL["url"])
	assert.Equal(t, "low", imgURL["detail"])
	assert.Equal(t, "text", parts[1].(map[string]any)["type"])
	assert.Equal(t, "describe", parts[1].(map[string]any)["text"])
}

func TestComplete_EmptyContent(t *testing.T) {
	srv, _ := completionServer(t, "   ")
	c := New(Options{APIKey: "k", BaseURL: srv.URL, Model: "m"})

	_, err := c.Complete(context.Background(), "", "hi")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestComplete_HTTPError(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := New(Options{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	_, err := c.Complete(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	mu.Lock()
	assert.Equal(t, 1, calls, "no retries")
	mu.Unlock()
}

func TestComplete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(Options{APIKey: "k", BaseURL: srv.URL, Model: "m", Timeout: 50 * time.Millisecond})
	_, err := c.Complete(context.Background(), "", "hi")
	assert.Error(t, err)
}
