package rating

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicBatcherLifecycle(t *testing.T) {
	var ended atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/messages/batches":
			var body struct {
				Requests []struct {
					CustomID string `json:"custom_id"`
					Params   struct {
						Model    string `json:"model"`
						Messages []struct {
							Content []struct {
								Type   string `json:"type"`
								Source struct {
									Type string `json:"type"`
									URL  string `json:"url"`
								} `json:"source"`
							} `json:"content"`
						} `json:"messages"`
					} `json:"params"`
				} `json:"requests"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Len(t, body.Requests, 2)
			assert.Equal(t, "img-1", body.Requests[1].CustomID)
			assert.Equal(t, "claude-haiku-4-5", body.Requests[0].Params.Model)
			image := body.Requests[1].Params.Messages[0].Content[0]
			assert.Equal(t, "image", image.Type)
			assert.Equal(t, "https://x/b.jpg", image.Source.URL)
			_, _ = w.Write([]byte(`{"id": "msgbatch_1", "type": "message_batch", "processing_status": "in_progress"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/messages/batches/msgbatch_1":
			if !ended.Load() {
				_, _ = w.Write([]byte(`{"id": "msgbatch_1", "processing_status": "in_progress", "request_counts": {"processing": 1, "succeeded": 1}}`))
				return
			}
			_, _ = w.Write([]byte(`{"id": "msgbatch_1", "processing_status": "ended", "request_counts": {"succeeded": 2}}`))
		case r.URL.Path == "/v1/messages/batches/msgbatch_1/results":
			_, _ = w.Write([]byte(
				`{"custom_id": "img-1", "result": {"type": "succeeded", "message": {"content": [{"type": "text", "text": "{\"starRating\":1,\"colorLabel\":\"red\"}"}]}}}` + "\n" +
					`{"custom_id": "img-0", "result": {"type": "succeeded", "message": {"content": [{"type": "text", "text": "{\"starRating\":3,\"colorLabel\":\"yellow\"}"}]}}}` + "\n" +
					`{"custom_id": "img-9", "result": {"type": "errored"}}` + "\n"))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/messages/batches/msgbatch_1/cancel":
			_, _ = w.Write([]byte(`{"id": "msgbatch_1", "processing_status": "canceling"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewAnthropicBatcher("secret", srv.URL+"/v1/")
	ctx := context.Background()

	id, err := b.Submit(ctx, BatchRequest{
		JobID:  "job-1",
		Model:  "claude-haiku-4-5",
		Prompt: "rate",
		Images: []Image{{ID: "a", URL: "https://x/a.jpg"}, {ID: "b", URL: "https://x/b.jpg"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "msgbatch_1", id)

	state, err := b.Poll(ctx, id, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, BatchInProgress, state.Status)
	assert.Equal(t, 1, state.Processed)

	ended.Store(true)
	state, err = b.Poll(ctx, id, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, state.Status)
	require.Len(t, state.Ratings, 2)
	assert.Equal(t, "b", state.Ratings[0].ImageID)
	assert.Equal(t, 1, state.Ratings[0].StarRating)
	assert.Equal(t, "a", state.Ratings[1].ImageID)
	assert.Equal(t, 3, state.Ratings[1].StarRating)

	require.NoError(t, b.Cancel(ctx, id))
}

func TestAnthropicBatcherEndedWithoutSuccessFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "msgbatch_2", "processing_status": "ended", "request_counts": {"errored": 1, "expired": 1}}`))
	}))
	defer srv.Close()

	state, err := NewAnthropicBatcher("k", srv.URL).Poll(context.Background(), "msgbatch_2", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, BatchFailed, state.Status)
	assert.Equal(t, 2, state.Processed)
	assert.Contains(t, state.Error, "1 errored")
}

func TestAnthropicBatcherHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "api_error", "message": "boom"}}`))
	}))
	defer srv.Close()

	_, err := NewAnthropicBatcher("k", srv.URL).Poll(context.Background(), "x", nil)
	require.Error(t, err)
	var apiErr *anthropic.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}
