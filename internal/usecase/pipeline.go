package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cookstove-credits/internal/classifier"
	"github.com/example/cookstove-credits/internal/logging"
	"github.com/example/cookstove-credits/internal/replicate"
	"github.com/example/cookstove-credits/internal/repository"
)

// SubmissionStore defines the persistence operations needed by the pipeline.
type SubmissionStore interface {
	Save(ctx context.Context, sub *repository.Submission) (*repository.Submission, bool, error)
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.Submission, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*repository.Submission, error)
	Confirm(ctx context.Context, requestID, userID string) error
	AggregateImpact(ctx context.Context) (*repository.ImpactAggregation, error)
}

// SubmissionInput carries one verification attempt. IdempotencyKey is
// optional; when the caller omits it a fresh key is generated, which makes
// the attempt non-replayable.
type SubmissionInput struct {
	UserID         string
	ImageURL       string
	Location       string
	IdempotencyKey string
}

// VerificationPipeline turns a submitted image into a persisted, priced
// submission record: classify, extract (or fall back), price, persist.
// Inference-layer failures are absorbed by the fallback classification;
// only a store write failure fails the caller-visible operation.
type VerificationPipeline struct {
	store           SubmissionStore
	cache           Cache
	infer           replicate.Classifier
	calc            classifier.Calculator
	logger          *zap.Logger
	promptTemplate  string
	defaultLocation string
	retryAttempts   int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
}

type cachedSubmission struct {
	RequestID       string    `json:"request_id"`
	UserID          string    `json:"user_id"`
	ImageURL        string    `json:"image_url"`
	CookstoveType   string    `json:"cookstove_type"`
	Confidence      int       `json:"confidence"`
	CO2Prevented    float64   `json:"co2_prevented"`
	CreditsEarned   int       `json:"credits_earned"`
	Verified        bool      `json:"verified"`
	Fallback        bool      `json:"fallback"`
	TransactionHash string    `json:"transaction_hash"`
	Status          string    `json:"status"`
	Location        string    `json:"location"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewVerificationPipeline constructs the pipeline.
func NewVerificationPipeline(store SubmissionStore, cache Cache, infer replicate.Classifier, calc classifier.Calculator, promptTemplate, defaultLocation string, logger *zap.Logger) *VerificationPipeline {
	return &VerificationPipeline{
		store:           store,
		cache:           cache,
		infer:           infer,
		calc:            calc,
		logger:          logger.Named("verification_pipeline"),
		promptTemplate:  promptTemplate,
		defaultLocation: defaultLocation,
		retryAttempts:   3,
		initialBackoff:  50 * time.Millisecond,
		maxBackoff:      time.Second,
	}
}

// SubmitVerification runs one complete verification attempt and returns the
// persisted record. Cancellation during inference is surfaced rather than
// absorbed: an abandoned request must not mint a fallback credit. A retried
// idempotency key returns the originally persisted record as a no-op.
func (p *VerificationPipeline) SubmitVerification(ctx context.Context, in SubmissionInput) (*repository.Submission, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(p.logger, "pipeline.submit_verification", requestID)

	idempotencyKey := in.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	cl, fallback, err := p.classify(ctx, opLogger, in.ImageURL)
	if err != nil {
		return nil, err
	}

	result := p.calc.Compute(cl)

	location := in.Location
	if location == "" {
		location = p.defaultLocation
	}

	sub := &repository.Submission{
		RequestID:       requestID,
		IdempotencyKey:  idempotencyKey,
		UserID:          in.UserID,
		ImageURL:        in.ImageURL,
		CookstoveType:   cl.CookstoveType,
		Confidence:      cl.Confidence,
		CO2Prevented:    result.CO2Prevented,
		CreditsEarned:   result.CreditsEarned,
		Verified:        result.Verified,
		Fallback:        fallback,
		TransactionHash: newTransactionHash(),
		Status:          repository.StatusPending,
		Location:        location,
		CreatedAt:       time.Now().UTC(),
	}

	saved, created, err := p.store.Save(ctx, sub)
	if err != nil {
		wrapped := logging.NewOperationError("pipeline.persist_submission", requestID, err)
		opLogger.Error("failed to persist submission", zap.Error(wrapped))
		return nil, wrapped
	}
	if !created {
		opLogger.Info("idempotent replay, returning existing submission",
			zap.String("existing_request_id", saved.RequestID),
			zap.String("idempotency_key", idempotencyKey))
		return saved, nil
	}

	opLogger.Info("submission persisted",
		zap.String("cookstove_type", saved.CookstoveType),
		zap.Int("credits_earned", saved.CreditsEarned),
		zap.Bool("verified", saved.Verified),
		zap.Bool("fallback", saved.Fallback))

	p.cacheSubmission(ctx, opLogger, saved)
	return saved, nil
}

// classify obtains a classification for the image. Every inference-layer
// failure except cancellation lands on the fallback classification with the
// fallback flag set; availability is prioritized over precision.
func (p *VerificationPipeline) classify(ctx context.Context, opLogger *zap.Logger, imageURL string) (classifier.Classification, bool, error) {
	rawOutput, err := p.infer.Classify(ctx, imageURL, p.promptTemplate)
	if err != nil {
		if errors.Is(err, replicate.ErrCancelled) || errors.Is(err, context.Canceled) {
			return classifier.Classification{}, false, err
		}
		opLogger.Warn("inference unavailable, using fallback classification", zap.Error(err))
		return classifier.Fallback(), true, nil
	}

	cl, err := classifier.Extract(rawOutput)
	if err != nil {
		var parseErr *classifier.ParseError
		if errors.As(err, &parseErr) {
			opLogger.Warn("unparsable classifier output, using fallback classification",
				zap.String("reason", parseErr.Reason),
				zap.String("raw_output", parseErr.RawOutput))
		} else {
			opLogger.Warn("classifier output rejected, using fallback classification", zap.Error(err))
		}
		return classifier.Fallback(), true, nil
	}
	return cl, false, nil
}

// GetSubmission retrieves a submission, preferring the cache.
func (p *VerificationPipeline) GetSubmission(ctx context.Context, userID, requestID string) (*repository.Submission, error) {
	cacheKey := submissionCacheKey(requestID)
	if cached, err := p.withRedisGet(ctx, requestID, "cache.get.submission", cacheKey); err == nil {
		var payload cachedSubmission
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(p.logger, "pipeline.get_submission", requestID).Warn("failed to decode cached submission", zap.Error(err))
		} else if payload.UserID == userID {
			return submissionFromCache(&payload), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(p.logger, "pipeline.get_submission", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return p.store.FindByRequestIDAndUser(ctx, requestID, userID)
}

// ListSubmissions returns the user's recent submissions, newest first.
func (p *VerificationPipeline) ListSubmissions(ctx context.Context, userID string, limit int) ([]*repository.Submission, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return p.store.ListByUser(ctx, userID, limit)
}

// ConfirmSubmission transitions a pending submission to confirmed and
// refreshes the cache with the new status.
func (p *VerificationPipeline) ConfirmSubmission(ctx context.Context, userID, requestID string) (*repository.Submission, error) {
	if err := p.store.Confirm(ctx, requestID, userID); err != nil {
		return nil, err
	}
	sub, err := p.store.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	p.cacheSubmission(ctx, logging.WithOperation(p.logger, "pipeline.confirm_submission", requestID), sub)
	return sub, nil
}

// cacheSubmission writes the record to the cache best-effort. The record is
// already durable; a cache failure is logged, never surfaced.
func (p *VerificationPipeline) cacheSubmission(ctx context.Context, opLogger *zap.Logger, sub *repository.Submission) {
	payload := cachedSubmission{
		RequestID:       sub.RequestID,
		UserID:          sub.UserID,
		ImageURL:        sub.ImageURL,
		CookstoveType:   sub.CookstoveType,
		Confidence:      sub.Confidence,
		CO2Prevented:    sub.CO2Prevented,
		CreditsEarned:   sub.CreditsEarned,
		Verified:        sub.Verified,
		Fallback:        sub.Fallback,
		TransactionHash: sub.TransactionHash,
		Status:          sub.Status,
		Location:        sub.Location,
		CreatedAt:       sub.CreatedAt,
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		opLogger.Warn("failed to serialize submission for cache", zap.Error(err))
		return
	}
	if err := p.withRedisRetry(ctx, sub.RequestID, "cache.set.submission", func() error {
		return p.cache.Set(ctx, submissionCacheKey(sub.RequestID), string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Warn("failed to cache submission", zap.Error(err))
	}
}

func submissionFromCache(payload *cachedSubmission) *repository.Submission {
	return &repository.Submission{
		RequestID:       payload.RequestID,
		UserID:          payload.UserID,
		ImageURL:        payload.ImageURL,
		CookstoveType:   payload.CookstoveType,
		Confidence:      payload.Confidence,
		CO2Prevented:    payload.CO2Prevented,
		CreditsEarned:   payload.CreditsEarned,
		Verified:        payload.Verified,
		Fallback:        payload.Fallback,
		TransactionHash: payload.TransactionHash,
		Status:          payload.Status,
		Location:        payload.Location,
		CreatedAt:       payload.CreatedAt,
	}
}

func submissionCacheKey(requestID string) string {
	return fmt.Sprintf("submission:%s", requestID)
}

// newTransactionHash mints the opaque identifier recorded with a
// submission. It is a local pseudo-hash, not a ledger proof.
func newTransactionHash() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "0x" + hex.EncodeToString([]byte(uuid.NewString()))[:32]
	}
	return "0x" + hex.EncodeToString(buf)
}

func (p *VerificationPipeline) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if p.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := p.initialBackoff
	opLogger := logging.WithOperation(p.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < p.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == p.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (p *VerificationPipeline) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := p.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := p.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, redis.Nil) {
		return false
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
