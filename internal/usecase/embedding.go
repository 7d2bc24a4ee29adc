package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-embeddings/internal/detector"
	"github.com/example/face-embeddings/internal/events"
	"github.com/example/face-embeddings/internal/logging"
	"github.com/example/face-embeddings/internal/repository"
	"github.com/example/face-embeddings/internal/retry"
)

// DefaultCacheTTL is how long a descriptor stays cached when no TTL is given.
const DefaultCacheTTL = 10 * time.Minute

// ExtractionRepository defines the persistence operations needed by the use case.
type ExtractionRepository interface {
	SaveLog(ctx context.Context, log *repository.ExtractionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ExtractionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// ExtractRequest identifies a staged upload.
type ExtractRequest struct {
	RequestID string
	UserID    string
	Path      string
}

// Extraction is the outcome of a successful model call. Face is nil when the
// image contains no detectable face.
type Extraction struct {
	RequestID string
	ImageHash string
	Face      *detector.Face
	Cached    bool
}

// EmbeddingUseCase turns staged uploads into face descriptors.
type EmbeddingUseCase struct {
	detector    detector.Detector
	options     detector.Options
	cache       Cache
	cacheTTL    time.Duration
	repo        ExtractionRepository
	events      events.Publisher
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// Option customises an EmbeddingUseCase.
type Option func(*EmbeddingUseCase)

// WithCache stores descriptors keyed by image hash.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *EmbeddingUseCase) {
		uc.cache = cache
		if ttl > 0 {
			uc.cacheTTL = ttl
		}
	}
}

// WithHistory records every extraction.
func WithHistory(repo ExtractionRepository) Option {
	return func(uc *EmbeddingUseCase) { uc.repo = repo }
}

// WithEvents publishes an event per extraction.
func WithEvents(publisher events.Publisher) Option {
	return func(uc *EmbeddingUseCase) { uc.events = publisher }
}

// WithRetryPolicy overrides the retry policy for cache calls.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(uc *EmbeddingUseCase) { uc.retryPolicy = policy }
}

// NewEmbeddingUseCase constructs a use case around det. Cache, history and
// events are disabled unless the matching option is given.
func NewEmbeddingUseCase(det detector.Detector, opts detector.Options, logger *zap.Logger, options ...Option) *EmbeddingUseCase {
	uc := &EmbeddingUseCase{
		detector:    det,
		options:     opts,
		cache:       noCache{},
		cacheTTL:    DefaultCacheTTL,
		repo:        noHistory{},
		events:      events.Nop{},
		logger:      logger.Named("embedding_usecase"),
		retryPolicy: retry.DefaultPolicy,
	}
	for _, opt := range options {
		opt(uc)
	}
	return uc
}

// Extract decodes the staged image and asks the detector for the best face.
// Decode and detection failures are returned as *logging.OperationError.
func (uc *EmbeddingUseCase) Extract(ctx context.Context, req ExtractRequest) (*Extraction, error) {
	start := time.Now()

	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, uc.fail(ctx, req, "", start, logging.NewOperationError("usecase.read_upload", req.RequestID, err))
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	cacheKey := uc.cacheKey(hash)

	if face, ok := uc.lookup(ctx, req.RequestID, cacheKey); ok {
		result := &Extraction{RequestID: req.RequestID, ImageHash: hash, Face: face, Cached: true}
		uc.record(ctx, req, result, start)
		return result, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, uc.fail(ctx, req, hash, start, logging.NewOperationError("usecase.decode_image", req.RequestID, err))
	}

	face, err := uc.detect(ctx, img)
	if err != nil {
		return nil, uc.fail(ctx, req, hash, start, logging.NewOperationError("usecase.detect_face", req.RequestID, err))
	}

	uc.store(ctx, req.RequestID, cacheKey, face)

	result := &Extraction{RequestID: req.RequestID, ImageHash: hash, Face: face}
	uc.record(ctx, req, result, start)
	return result, nil
}

// GetResult loads a previously recorded extraction.
func (uc *EmbeddingUseCase) GetResult(ctx context.Context, requestID string) (*repository.ExtractionLog, error) {
	return uc.repo.FindByRequestID(ctx, requestID)
}

func (uc *EmbeddingUseCase) detect(ctx context.Context, img image.Image) (face *detector.Face, err error) {
	defer func() {
		if r := recover(); r != nil {
			face, err = nil, fmt.Errorf("detector panic: %v", r)
		}
	}()
	face, err = uc.detector.Detect(ctx, img, uc.options)
	if err != nil {
		return nil, err
	}
	return detector.Accept(face, uc.options)
}

type cachedExtraction struct {
	Found      bool      `json:"found"`
	Descriptor []float32 `json:"descriptor,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Box        [4]int    `json:"box"`
}

func (uc *EmbeddingUseCase) cacheKey(hash string) string {
	return fmt.Sprintf("embedding:%d:%g:%s", uc.options.InputSize, uc.options.ScoreThreshold, hash)
}

func (uc *EmbeddingUseCase) lookup(ctx context.Context, requestID, key string) (*detector.Face, bool) {
	var (
		raw  string
		miss bool
	)
	err := retry.Do(ctx, uc.logger, uc.retryPolicy, "cache.get.embedding", requestID, func() error {
		value, err := uc.cache.Get(ctx, key)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil || miss {
		return nil, false
	}

	var payload cachedExtraction
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		logging.WithOperation(uc.logger, "cache.get.embedding", requestID).Warn("failed to decode cached embedding", zap.Error(err))
		return nil, false
	}
	if !payload.Found {
		return nil, true
	}
	return &detector.Face{
		Descriptor: payload.Descriptor,
		Confidence: payload.Confidence,
		Box:        image.Rect(payload.Box[0], payload.Box[1], payload.Box[2], payload.Box[3]),
	}, true
}

func (uc *EmbeddingUseCase) store(ctx context.Context, requestID, key string, face *detector.Face) {
	payload := cachedExtraction{Found: face != nil}
	if face != nil {
		payload.Descriptor = face.Descriptor
		payload.Confidence = face.Confidence
		payload.Box = [4]int{face.Box.Min.X, face.Box.Min.Y, face.Box.Max.X, face.Box.Max.Y}
	}
	serialized, err := json.Marshal(payload)
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.embedding", requestID).Warn("failed to serialize embedding", zap.Error(err))
		return
	}
	// Failures are logged by retry.Do and never affect the response.
	_ = retry.Do(ctx, uc.logger, uc.retryPolicy, "cache.set.embedding", requestID, func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
	})
}

func (uc *EmbeddingUseCase) fail(ctx context.Context, req ExtractRequest, hash string, start time.Time, err error) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.extract", req.RequestID)
	opLogger.Error("extraction failed", zap.Error(err))

	log := &repository.ExtractionLog{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		ImageHash: hash,
		Outcome:   repository.OutcomeError,
		LatencyMs: time.Since(start).Milliseconds(),
		Details:   err.Error(),
		CreatedAt: time.Now().UTC(),
	}
	uc.persist(ctx, log)
	return err
}

func (uc *EmbeddingUseCase) record(ctx context.Context, req ExtractRequest, result *Extraction, start time.Time) {
	log := &repository.ExtractionLog{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		ImageHash: result.ImageHash,
		Outcome:   repository.OutcomeNoFace,
		Cached:    result.Cached,
		LatencyMs: time.Since(start).Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if face := result.Face; face != nil {
		log.Outcome = repository.OutcomeFound
		log.Confidence = face.Confidence
		log.Dimensions = face.Dimensions()
	}
	log.Details = fmt.Sprintf("outcome:%s confidence:%f dimensions:%d cached:%t", log.Outcome, log.Confidence, log.Dimensions, log.Cached)
	uc.persist(ctx, log)
}

// persist saves the log and publishes the matching event. Neither may change
// the outcome of the request.
func (uc *EmbeddingUseCase) persist(ctx context.Context, log *repository.ExtractionLog) {
	ctx = context.WithoutCancel(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.persist", log.RequestID)

	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist extraction log", zap.Error(err))
	}

	event := events.ExtractionEvent{
		RequestID:  log.RequestID,
		UserID:     log.UserID,
		ImageHash:  log.ImageHash,
		Outcome:    log.Outcome,
		Confidence: log.Confidence,
		Dimensions: log.Dimensions,
		Cached:     log.Cached,
		OccurredAt: log.CreatedAt,
	}
	if err := uc.events.Publish(ctx, event); err != nil {
		opLogger.Warn("failed to publish extraction event", zap.Error(err))
	}
}

// noHistory is used when no database is configured.
type noHistory struct{}

func (noHistory) SaveLog(context.Context, *repository.ExtractionLog) error { return nil }

func (noHistory) FindByRequestID(context.Context, string) (*repository.ExtractionLog, error) {
	return nil, repository.ErrNotFound
}

func (noHistory) AggregateMetrics(context.Context) (*repository.Aggregation, error) {
	return &repository.Aggregation{}, nil
}
