package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twardoch/lmstrix/services/errs"
)

// scriptedServer drives a tiny fake of the management API, recording the
// sequence of calls so tests can assert load/unload symmetry.
type scriptedServer struct {
	t            *testing.T
	loadStatus   int
	loadBody     string
	chatStatus   int
	chatBody     string
	chatDelay    time.Duration
	calls        []string
	unloadCalled bool
}

func (s *scriptedServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.calls = append(s.calls, r.URL.Path)
		switch r.URL.Path {
		case "/api/v0/models/load":
			w.WriteHeader(statusOr(s.loadStatus, http.StatusOK))
			if s.loadBody != "" {
				_, _ = w.Write([]byte(s.loadBody))
			} else {
				_ = json.NewEncoder(w).Encode(loadResponse{Handle: "m1"})
			}
		case "/v1/chat/completions":
			if s.chatDelay > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(s.chatDelay):
				}
			}
			w.WriteHeader(statusOr(s.chatStatus, http.StatusOK))
			if s.chatBody != "" {
				_, _ = w.Write([]byte(s.chatBody))
			} else {
				_ = json.NewEncoder(w).Encode(completeResponse{
					Choices: []struct {
						Message    chatMessage `json:"message"`
						StopReason string      `json:"finish_reason"`
					}{{Message: chatMessage{Role: "assistant", Content: "hello there"}}},
				})
			}
		case "/api/v0/models/unload":
			s.unloadCalled = true
			w.WriteHeader(http.StatusOK)
		case "/api/v0/models":
			_ = json.NewEncoder(w).Encode(listModelsResponse{Data: []struct {
				ID        string `json:"id"`
				Path      string `json:"path"`
				SizeBytes int64  `json:"size_bytes"`
				CtxIn     int    `json:"ctx_in"`
				CtxOut    int    `json:"ctx_out"`
				HasTools  bool   `json:"has_tools"`
				HasVision bool   `json:"has_vision"`
			}{{ID: "m1", Path: "/models/m1.gguf", SizeBytes: 100, CtxIn: 4096}}})
		default:
			http.NotFound(w, r)
		}
	}
}

func statusOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func newTestClient(t *testing.T, s *scriptedServer) *Client {
	t.Helper()
	srv := httptest.NewServer(s.handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, SettleDelay: time.Millisecond, HTTPClient: srv.Client()})
}

func TestProbeSuccessUnloadsAfter(t *testing.T) {
	s := &scriptedServer{t: t}
	c := newTestClient(t, s)

	out, err := c.Probe(context.Background(), ProbeRequest{
		ModelID: "m1", CtxSize: 4096, Prompt: "Say hello",
		MaxTokens: 16, LoadTimeout: time.Second, InferenceTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, ClassSuccess, out.Class)
	assert.Equal(t, "hello there", out.ResponseText)
	assert.True(t, s.unloadCalled, "unload must be called after a successful probe")
}

func TestProbeLoadFailedSkipsUnload(t *testing.T) {
	s := &scriptedServer{t: t, loadStatus: http.StatusInternalServerError, loadBody: "boom"}
	c := newTestClient(t, s)

	out, err := c.Probe(context.Background(), ProbeRequest{
		ModelID: "m1", CtxSize: 4096, Prompt: "Say hello",
		MaxTokens: 16, LoadTimeout: time.Second, InferenceTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, ClassLoadFailed, out.Class)
	assert.Equal(t, "load_error", out.ErrorKind)
	// Load itself failed with no handle minted — nothing to unload, which is
	// correct, not a bug: the deferred unload only fires when load() hands
	// back a handle.
	assert.False(t, s.unloadCalled)
}

func TestProbeOutOfMemoryClassification(t *testing.T) {
	s := &scriptedServer{t: t, loadStatus: http.StatusInternalServerError, loadBody: "CUDA error: out of memory"}
	c := newTestClient(t, s)

	out, err := c.Probe(context.Background(), ProbeRequest{
		ModelID: "m1", CtxSize: 4096, Prompt: "Say hello",
		MaxTokens: 16, LoadTimeout: time.Second, InferenceTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, ClassLoadFailed, out.Class)
	assert.Equal(t, "out_of_memory", out.ErrorKind)
}

func TestProbeInferenceFailedStillUnloads(t *testing.T) {
	s := &scriptedServer{t: t, chatStatus: http.StatusBadRequest, chatBody: "bad request"}
	c := newTestClient(t, s)

	out, err := c.Probe(context.Background(), ProbeRequest{
		ModelID: "m1", CtxSize: 4096, Prompt: "Say hello",
		MaxTokens: 16, LoadTimeout: time.Second, InferenceTimeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, ClassInferenceFailed, out.Class)
	assert.True(t, s.unloadCalled, "unload must run even when inference fails")
}

func TestProbeInferenceHungClassifiesAndUnloads(t *testing.T) {
	s := &scriptedServer{t: t, chatDelay: 50 * time.Millisecond}
	c := newTestClient(t, s)

	out, err := c.Probe(context.Background(), ProbeRequest{
		ModelID: "m1", CtxSize: 4096, Prompt: "Say hello",
		MaxTokens: 16, LoadTimeout: time.Second, InferenceTimeout: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, ClassInferenceHung, out.Class)
	assert.True(t, s.unloadCalled, "a hung inference must still be followed by unload")
}

func TestProbeCancelledMidInferenceReturnsErrorNotBadOutcome(t *testing.T) {
	s := &scriptedServer{t: t, chatDelay: 200 * time.Millisecond}
	c := newTestClient(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := c.Probe(ctx, ProbeRequest{
		ModelID: "m1", CtxSize: 4096, Prompt: "Say hello",
		MaxTokens: 16, LoadTimeout: time.Second, InferenceTimeout: time.Second,
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCancelled), "a mid-probe cancellation must surface as errs.KindCancelled, not a classified Outcome")
	assert.Equal(t, Outcome{}, out, "a cancelled probe must return a zero Outcome so callers never mistake it for a classified BAD result")
	assert.True(t, s.unloadCalled, "unload must still run for a model that was already loaded when cancellation hit")
}

func TestProbeCancelledMidLoadReturnsErrorNotBadOutcome(t *testing.T) {
	s := &scriptedServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls = append(s.calls, r.URL.Path)
		if r.URL.Path == "/api/v0/models/load" {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
		}
		s.handler()(w, r)
	}))
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, SettleDelay: time.Millisecond, HTTPClient: srv.Client()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := c.Probe(ctx, ProbeRequest{
		ModelID: "m1", CtxSize: 4096, Prompt: "Say hello",
		MaxTokens: 16, LoadTimeout: time.Second, InferenceTimeout: time.Second,
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCancelled))
	assert.Equal(t, Outcome{}, out)
	assert.False(t, s.unloadCalled, "load never completed, so there is no handle to unload")
}

func TestProbeRejectsNonPositiveCtxSize(t *testing.T) {
	s := &scriptedServer{t: t}
	c := newTestClient(t, s)

	_, err := c.Probe(context.Background(), ProbeRequest{ModelID: "m1", CtxSize: 0})
	assert.Error(t, err)
}

func TestListDownloadedModels(t *testing.T) {
	s := &scriptedServer{t: t}
	c := newTestClient(t, s)

	models, err := c.ListDownloadedModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "/models/m1.gguf", models[0].Path)
	assert.Equal(t, 4096, models[0].CtxIn)
}
