package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/cookstove-credits/internal/config"
)

func newTestClient(baseURL string, pollInterval time.Duration, maxAttempts int) *Client {
	return NewClient(config.Replicate{
		BaseURL:         baseURL,
		APIToken:        "test-token",
		ModelVersion:    "test-version",
		MaxOutputTokens: 512,
		PollInterval:    pollInterval,
		MaxPollAttempts: maxAttempts,
	}, zap.NewNop())
}

func writePrediction(t *testing.T, w http.ResponseWriter, pred map[string]interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pred); err != nil {
		t.Errorf("failed to encode prediction: %v", err)
	}
}

func TestClassifySucceedsAfterPolling(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing auth header on %s %s", r.Method, r.URL.Path)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/predictions":
			var req predictionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad create body: %v", err)
			}
			if req.Input.Image != "https://img.example/stove.jpg" {
				t.Errorf("image = %q", req.Input.Image)
			}
			writePrediction(t, w, map[string]interface{}{"id": "p1", "status": "starting"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/p1":
			n := polls.Add(1)
			if n < 3 {
				writePrediction(t, w, map[string]interface{}{"id": "p1", "status": "processing"})
				return
			}
			writePrediction(t, w, map[string]interface{}{
				"id":     "p1",
				"status": "succeeded",
				"output": `{"detected":true,"cookstove_type":"improved biomass","confidence":92}`,
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 30)
	output, err := client.Classify(context.Background(), "https://img.example/stove.jpg", "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != `{"detected":true,"cookstove_type":"improved biomass","confidence":92}` {
		t.Fatalf("output = %q", output)
	}
	if polls.Load() != 3 {
		t.Fatalf("polls = %d, want 3", polls.Load())
	}
}

func TestClassifyJoinsChunkedOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writePrediction(t, w, map[string]interface{}{"id": "p2", "status": "starting"})
			return
		}
		writePrediction(t, w, map[string]interface{}{
			"id":     "p2",
			"status": "succeeded",
			"output": []string{`{"detected":true,`, `"cookstove_type":"LPG",`, `"confidence":88}`},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 30)
	output, err := client.Classify(context.Background(), "https://img.example/stove.jpg", "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != `{"detected":true,"cookstove_type":"LPG","confidence":88}` {
		t.Fatalf("output = %q", output)
	}
}

func TestClassifyImmediateSuccessSkipsPolling(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			polls.Add(1)
		}
		writePrediction(t, w, map[string]interface{}{"id": "p3", "status": "succeeded", "output": "done"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 30)
	output, err := client.Classify(context.Background(), "https://img.example/stove.jpg", "prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != "done" {
		t.Fatalf("output = %q", output)
	}
	if polls.Load() != 0 {
		t.Fatalf("polls = %d, want 0", polls.Load())
	}
}

func TestClassifyCreationFailureIssuesNoPolls(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			polls.Add(1)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 30)
	_, err := client.Classify(context.Background(), "https://img.example/stove.jpg", "prompt")
	if !errors.Is(err, ErrInferenceUnavailable) {
		t.Fatalf("expected ErrInferenceUnavailable, got %v", err)
	}
	if polls.Load() != 0 {
		t.Fatalf("polls = %d, want 0", polls.Load())
	}
}

func TestClassifyTransportErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := newTestClient(server.URL, time.Millisecond, 30)
	_, err := client.Classify(context.Background(), "https://img.example/stove.jpg", "prompt")
	if !errors.Is(err, ErrInferenceUnavailable) {
		t.Fatalf("expected ErrInferenceUnavailable, got %v", err)
	}
}

func TestClassifyReportsJobFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writePrediction(t, w, map[string]interface{}{"id": "p4", "status": "starting"})
			return
		}
		writePrediction(t, w, map[string]interface{}{"id": "p4", "status": "failed", "error": "NSFW content"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 30)
	_, err := client.Classify(context.Background(), "https://img.example/stove.jpg", "prompt")
	if !errors.Is(err, ErrInferenceFailed) {
		t.Fatalf("expected ErrInferenceFailed, got %v", err)
	}
}

func TestClassifyTimesOutAfterPollBudget(t *testing.T) {
	var polls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writePrediction(t, w, map[string]interface{}{"id": "p5", "status": "starting"})
			return
		}
		polls.Add(1)
		writePrediction(t, w, map[string]interface{}{"id": "p5", "status": "processing"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, time.Millisecond, 5)
	_, err := client.Classify(context.Background(), "https://img.example/stove.jpg", "prompt")
	if !errors.Is(err, ErrInferenceTimeout) {
		t.Fatalf("expected ErrInferenceTimeout, got %v", err)
	}
	if polls.Load() != 5 {
		t.Fatalf("polls = %d, want exactly 5", polls.Load())
	}
}

func TestClassifyCancellationStopsPollingPromptly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writePrediction(t, w, map[string]interface{}{"id": "p6", "status": "starting"})
			return
		}
		writePrediction(t, w, map[string]interface{}{"id": "p6", "status": "processing"})
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(server.URL, time.Hour, 30)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Classify(ctx, "https://img.example/stove.jpg", "prompt")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
		if errors.Is(err, ErrInferenceTimeout) {
			t.Fatal("cancellation must be distinguishable from timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Classify did not return promptly after cancellation")
	}
}

func TestJoinOutputShapes(t *testing.T) {
	if out, err := joinOutput(nil); err != nil || out != "" {
		t.Fatalf("nil output: %q, %v", out, err)
	}
	if out, err := joinOutput(json.RawMessage(`"abc"`)); err != nil || out != "abc" {
		t.Fatalf("string output: %q, %v", out, err)
	}
	if out, err := joinOutput(json.RawMessage(`["a","b"]`)); err != nil || out != "ab" {
		t.Fatalf("chunked output: %q, %v", out, err)
	}
	if _, err := joinOutput(json.RawMessage(`42`)); err == nil {
		t.Fatal("expected error for numeric output")
	}
}
