package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/cookstove-credits/internal/logging"
)

// Submission statuses. A record is created Pending and moves to Confirmed
// exactly once, through ConfirmSubmission.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
)

// Submission is one verified cookstove photo and its issued credits.
// TransactionHash is minted at creation and never changes.
type Submission struct {
	ID              uint      `gorm:"primaryKey"`
	RequestID       string    `gorm:"column:request_id;uniqueIndex;size:64"`
	IdempotencyKey  string    `gorm:"column:idempotency_key;uniqueIndex;size:64"`
	UserID          string    `gorm:"column:user_id;index;size:64"`
	ImageURL        string    `gorm:"column:image_url;type:text"`
	CookstoveType   string    `gorm:"column:cookstove_type;size:64"`
	Confidence      int       `gorm:"column:confidence"`
	CO2Prevented    float64   `gorm:"column:co2_prevented"`
	CreditsEarned   int       `gorm:"column:credits_earned"`
	Verified        bool      `gorm:"column:verified"`
	Fallback        bool      `gorm:"column:fallback"`
	TransactionHash string    `gorm:"column:transaction_hash;size:80"`
	Status          string    `gorm:"column:status;size:16"`
	Location        string    `gorm:"column:location;size:64"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (Submission) TableName() string {
	return "submissions"
}

// ImpactAggregation holds the totals behind the impact summary.
type ImpactAggregation struct {
	TotalSubmissions int64   `gorm:"column:total_submissions"`
	VerifiedCount    int64   `gorm:"column:verified_count"`
	FallbackCount    int64   `gorm:"column:fallback_count"`
	TotalCredits     int64   `gorm:"column:total_credits"`
	TotalCO2         float64 `gorm:"column:total_co2"`
}

// SubmissionRepository provides persistence APIs for submissions.
type SubmissionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSubmissionRepository creates a new repository instance.
func NewSubmissionRepository(db *gorm.DB, logger *zap.Logger) *SubmissionRepository {
	return &SubmissionRepository{
		db:             db,
		logger:         logger.Named("submission_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SubmissionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Submission{})
}

// Save persists a submission at most once per idempotency key. If a record
// with the same key already exists, the existing record is returned and
// created is false; the insert is a no-op. This makes caller retries after
// a transient write error that actually committed safe.
func (r *SubmissionRepository) Save(ctx context.Context, sub *Submission) (*Submission, bool, error) {
	var created bool
	err := r.executeWithRetry(ctx, "repository.save_submission", sub.RequestID, func() error {
		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "idempotency_key"}},
				DoNothing: true,
			}).
			Create(sub)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return sub, true, nil
	}

	var existing Submission
	err = r.executeWithRetry(ctx, "repository.load_existing_submission", sub.RequestID, func() error {
		return r.db.WithContext(ctx).First(&existing, "idempotency_key = ?", sub.IdempotencyKey).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// FindByRequestIDAndUser retrieves a submission matching the request and owner.
func (r *SubmissionRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*Submission, error) {
	var sub Submission
	err := r.executeWithRetry(ctx, "repository.find_submission", requestID, func() error {
		return r.db.WithContext(ctx).First(&sub, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListByUser returns the user's most recent submissions.
func (r *SubmissionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*Submission, error) {
	var subs []*Submission
	err := r.executeWithRetry(ctx, "repository.list_submissions", "", func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(limit).
			Find(&subs).Error
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// Confirm transitions a pending submission to confirmed. Confirming an
// already-confirmed or unknown submission reports gorm.ErrRecordNotFound.
func (r *SubmissionRepository) Confirm(ctx context.Context, requestID, userID string) error {
	return r.executeWithRetry(ctx, "repository.confirm_submission", requestID, func() error {
		res := r.db.WithContext(ctx).
			Model(&Submission{}).
			Where("request_id = ? AND user_id = ? AND status = ?", requestID, userID, StatusPending).
			Update("status", StatusConfirmed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// AggregateImpact computes service-wide issuance totals.
func (r *SubmissionRepository) AggregateImpact(ctx context.Context) (*ImpactAggregation, error) {
	var agg ImpactAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_impact", "", func() error {
		return r.db.WithContext(ctx).
			Model(&Submission{}).
			Select(`COUNT(*) AS total_submissions,
				COALESCE(SUM(CASE WHEN verified THEN 1 ELSE 0 END), 0) AS verified_count,
				COALESCE(SUM(CASE WHEN fallback THEN 1 ELSE 0 END), 0) AS fallback_count,
				COALESCE(SUM(credits_earned), 0) AS total_credits,
				COALESCE(SUM(co2_prevented), 0) AS total_co2`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *SubmissionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
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
