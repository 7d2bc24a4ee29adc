package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-embeddings/internal/retry"
)

// Extraction outcomes stored in ExtractionLog.Outcome.
const (
	OutcomeFound  = "found"
	OutcomeNoFace = "no_face"
	OutcomeError  = "error"
)

// ErrNotFound is returned when no log matches a request ID.
var ErrNotFound = errors.New("extraction log not found")

// ExtractionLog records the outcome of one /embeddings request.
type ExtractionLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID     string    `gorm:"column:user_id;size:64"`
	ImageHash  string    `gorm:"column:image_hash;index;size:64"`
	Outcome    string    `gorm:"column:outcome;size:16"`
	Confidence float64   `gorm:"column:confidence"`
	Dimensions int       `gorm:"column:dimensions"`
	Cached     bool      `gorm:"column:cached"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	Details    string    `gorm:"column:details;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ExtractionLog) TableName() string {
	return "extraction_logs"
}

// Aggregation holds raw counters computed over the extraction logs.
type Aggregation struct {
	TotalCount        int64
	FoundCount        int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// ExtractionRepository persists extraction logs through gorm.
type ExtractionRepository struct {
	db          *gorm.DB
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// NewExtractionRepository creates a new repository instance.
func NewExtractionRepository(db *gorm.DB, logger *zap.Logger) *ExtractionRepository {
	return &ExtractionRepository{
		db:          db,
		logger:      logger.Named("extraction_repository"),
		retryPolicy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ExtractionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ExtractionLog{})
}

// SaveLog persists a log entry, retrying transient failures.
func (r *ExtractionRepository) SaveLog(ctx context.Context, log *ExtractionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID loads the log for requestID.
func (r *ExtractionRepository) FindByRequestID(ctx context.Context, requestID string) (*ExtractionLog, error) {
	var log ExtractionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes counters over every stored log.
func (r *ExtractionRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var row struct {
		TotalCount        int64
		FoundCount        int64
		AverageConfidence float64
		AverageLatencyMs  float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ExtractionLog{}).
			Select(
				"COUNT(*) AS total_count, "+
					"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS found_count, "+
					"COALESCE(AVG(CASE WHEN outcome = ? THEN confidence END), 0) AS average_confidence, "+
					"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
				OutcomeFound, OutcomeFound,
			).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &Aggregation{
		TotalCount:        row.TotalCount,
		FoundCount:        row.FoundCount,
		AverageConfidence: row.AverageConfidence,
		AverageLatencyMs:  row.AverageLatencyMs,
	}, nil
}

func (r *ExtractionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.retryPolicy, operation, requestID, fn)
}
