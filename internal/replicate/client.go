package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cookstove-credits/internal/config"
	"github.com/example/cookstove-credits/internal/logging"
)

// Classification-layer error taxonomy. The pipeline absorbs the first three
// through the fallback path; ErrCancelled is surfaced so an abandoned
// request never mints a fallback credit.
var (
	ErrInferenceUnavailable = errors.New("inference service unavailable")
	ErrInferenceFailed      = errors.New("inference job failed")
	ErrInferenceTimeout     = errors.New("inference job timed out")
	ErrCancelled            = errors.New("inference cancelled")
)

// Prediction statuses reported by the service.
const (
	statusStarting   = "starting"
	statusProcessing = "processing"
	statusSucceeded  = "succeeded"
	statusFailed     = "failed"
	statusCanceled   = "canceled"
)

// Classifier submits an image for classification and drives the job to
// completion. Implemented here by Client; the pipeline depends on the
// interface so tests can stub the whole exchange.
type Classifier interface {
	Classify(ctx context.Context, imageRef, promptTemplate string) (string, error)
}

// Client drives the prediction API: one create call, then bounded polling.
// A Client holds no per-job state and is safe for concurrent use.
type Client struct {
	httpClient      *http.Client
	baseURL         string
	token           string
	modelVersion    string
	maxOutputTokens int
	pollInterval    time.Duration
	maxPollAttempts int
	logger          *zap.Logger
}

// NewClient builds a prediction API client from configuration.
func NewClient(cfg config.Replicate, logger *zap.Logger) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		token:           cfg.APIToken,
		modelVersion:    cfg.ModelVersion,
		maxOutputTokens: cfg.MaxOutputTokens,
		pollInterval:    cfg.PollInterval,
		maxPollAttempts: cfg.MaxPollAttempts,
		logger:          logger.Named("replicate"),
	}
}

type predictionInput struct {
	Image     string `json:"image"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

type predictionRequest struct {
	Version string          `json:"version"`
	Input   predictionInput `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Classify creates a prediction job for the image and polls it until it
// resolves, the poll budget runs out, or ctx is cancelled. It returns the
// raw output text; extracting structure from it is the caller's problem.
//
// Creation failure returns ErrInferenceUnavailable without issuing a single
// poll. Cancellation wins over every other outcome and is checked both
// between polls and around each HTTP call.
func (c *Client) Classify(ctx context.Context, imageRef, promptTemplate string) (string, error) {
	pred, err := c.createPrediction(ctx, imageRef, promptTemplate)
	if err != nil {
		return "", err
	}
	opLogger := logging.WithOperation(c.logger, "replicate.poll", pred.ID)

	if done, output, err := resolve(pred); done {
		return output, err
	}

	for attempt := 1; attempt <= c.maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-time.After(c.pollInterval):
		}

		pred, err = c.getPrediction(ctx, pred.ID)
		if err != nil {
			return "", err
		}
		opLogger.Debug("poll attempt",
			zap.Int("attempt", attempt),
			zap.String("status", pred.Status))

		if done, output, err := resolve(pred); done {
			return output, err
		}
	}

	opLogger.Warn("poll budget exhausted",
		zap.Int("attempts", c.maxPollAttempts),
		zap.String("status", pred.Status))
	return "", fmt.Errorf("%w after %d attempts", ErrInferenceTimeout, c.maxPollAttempts)
}

// resolve maps a terminal prediction status to its outcome. done is false
// while the job is still starting/processing.
func resolve(pred *prediction) (done bool, output string, err error) {
	switch pred.Status {
	case statusSucceeded:
		text, joinErr := joinOutput(pred.Output)
		if joinErr != nil {
			return true, "", fmt.Errorf("%w: %v", ErrInferenceFailed, joinErr)
		}
		return true, text, nil
	case statusFailed, statusCanceled:
		if pred.Error != "" {
			return true, "", fmt.Errorf("%w: %s", ErrInferenceFailed, pred.Error)
		}
		return true, "", ErrInferenceFailed
	case statusStarting, statusProcessing:
		return false, "", nil
	default:
		// Unknown statuses count as still running; the poll budget bounds them.
		return false, "", nil
	}
}

func (c *Client) createPrediction(ctx context.Context, imageRef, promptTemplate string) (*prediction, error) {
	body, err := json.Marshal(predictionRequest{
		Version: c.modelVersion,
		Input: predictionInput{
			Image:     imageRef,
			Prompt:    promptTemplate,
			MaxTokens: c.maxOutputTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	pred, err := c.doPrediction(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		wrapped := fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
		c.logger.Error("prediction creation failed", zap.Error(wrapped))
		return nil, wrapped
	}
	c.logger.Info("prediction created",
		zap.String("prediction_id", pred.ID),
		zap.String("status", pred.Status))
	return pred, nil
}

func (c *Client) getPrediction(ctx context.Context, id string) (*prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/predictions/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}
	c.setAuth(req)

	pred, err := c.doPrediction(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrInferenceUnavailable, err)
	}
	return pred, nil
}

func (c *Client) doPrediction(req *http.Request) (*prediction, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(snippet))
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("decoding prediction response: %v", err)
	}
	return &pred, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// joinOutput normalizes the output field, which arrives either as a single
// string or as a list of text chunks to concatenate.
func joinOutput(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, nil
	}
	var chunks []string
	if err := json.Unmarshal(raw, &chunks); err == nil {
		return strings.Join(chunks, ""), nil
	}
	return "", errors.New("unrecognized output shape")
}
