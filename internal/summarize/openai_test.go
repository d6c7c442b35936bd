package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newBackend(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/v1/",
		Timeout: 2 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestSummarize(t *testing.T) {
	var got chatRequest
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-3.5-turbo",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "  Voltage stayed above 80%.\n"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
		}`))
	})

	summary, err := c.Summarize(context.Background(), "Summarize the following battery data log:", "t;Voltage: 24.000 V")
	require.NoError(t, err)
	assert.Equal(t, "Voltage stayed above 80%.", summary)

	assert.Equal(t, DefaultModel, got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "You are a helpful assistant.", got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "Summarize the following battery data log:\nt;Voltage: 24.000 V", got.Messages[1].Content)
}

func TestSummarize_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"api error", http.StatusTooManyRequests, `{"error": {"message": "rate limited", "type": "requests"}}`, http.StatusTooManyRequests},
		{"non-json failure", http.StatusBadGateway, `upstream down`, http.StatusBadGateway},
		{"no choices", http.StatusOK, `{"id": "x", "choices": []}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Summarize(context.Background(), "p", "log")
			var serr *Error
			require.True(t, errors.As(err, &serr), "error %v is not *Error", err)
			assert.Equal(t, tt.wantStatus, serr.Status)
			assert.Equal(t, DefaultModel, serr.Model)
		})
	}
}

func TestSummarize_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(Config{APIKey: "k", BaseURL: srv.URL + "/v1", Timeout: 50 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.Summarize(context.Background(), "p", "log")
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_RequiresKeyForDefaultEndpoint(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://localhost:11434/v1"}, zerolog.Nop())
	assert.NoError(t, err)
}
