package handlers

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-embeddings/internal/auth"
	"github.com/example/face-embeddings/internal/logging"
	"github.com/example/face-embeddings/internal/readiness"
	"github.com/example/face-embeddings/internal/repository"
	"github.com/example/face-embeddings/internal/staging"
	"github.com/example/face-embeddings/internal/usecase"
)

// MaxUploadSize is the default upload limit in bytes.
const MaxUploadSize = 10 << 20

// multipartOverhead is the slack allowed on top of the file size for form boundaries and headers.
const multipartOverhead = 64 << 10

// RequestIDHeader carries the ID assigned to each /embeddings request.
const RequestIDHeader = "X-Request-ID"

const (
	msgModelsLoading = "Models are still loading. Please try again."
	msgNoImage       = "No image file provided. Please upload an image."
	msgNotAnImage    = "Only image files are allowed!"
	msgTooLarge      = "Image exceeds maximum upload size"
	msgNoFace        = "No face detected in the image"
)

// Extractor is the use case surface the handlers depend on.
type Extractor interface {
	Extract(ctx context.Context, req usecase.ExtractRequest) (*usecase.Extraction, error)
	GetResult(ctx context.Context, requestID string) (*repository.ExtractionLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Handler holds the state shared by every request: the readiness gate, the
// use case and the upload stager.
type Handler struct {
	gate          *readiness.Gate
	extractor     Extractor
	stager        *staging.Stager
	maxUploadSize int64
	logger        *zap.Logger
}

// NewHandler builds a Handler. A non-positive maxUploadSize selects MaxUploadSize.
func NewHandler(gate *readiness.Gate, extractor Extractor, stager *staging.Stager, maxUploadSize int64, logger *zap.Logger) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = MaxUploadSize
	}
	return &Handler{
		gate:          gate,
		extractor:     extractor,
		stager:        stager,
		maxUploadSize: maxUploadSize,
		logger:        logger.Named("handlers"),
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router. /health is never
// behind the auth middleware.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware ...gin.HandlerFunc) {
	router.GET("/health", h.Health)

	protected := router.Group("/", authMiddleware...)
	protected.POST("/embeddings", h.Embeddings)
	protected.GET("/requests/:id", h.Result)
	protected.GET("/metrics/summary", h.MetricsSummary)
}

// Health reports liveness and whether the models are loaded.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"modelsLoaded": h.gate.Ready(),
	})
}

// Embeddings extracts the face descriptor from the uploaded "image" field.
func (h *Handler) Embeddings(c *gin.Context) {
	requestID := uuid.NewString()
	c.Header(RequestIDHeader, requestID)
	opLogger := logging.WithOperation(h.logger, "handlers.embeddings", requestID)

	if !h.gate.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msgModelsLoading})
		return
	}

	limit := h.maxUploadSize + multipartOverhead
	if c.Request.ContentLength > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgTooLarge})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgTooLarge})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoImage})
		return
	}
	if file.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgTooLarge})
		return
	}
	if !isImage(file.Header.Get("Content-Type")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNotAnImage})
		return
	}

	upload, err := h.stager.Stage(file)
	if err != nil {
		opLogger.Error("failed to stage upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to store uploaded image"})
		return
	}
	defer func() {
		if err := upload.Release(); err != nil {
			opLogger.Error("failed to remove staged upload", zap.String("path", upload.Path), zap.Error(err))
		}
	}()

	userID, _ := auth.Subject(c.Request.Context())
	result, err := h.extractor.Extract(c.Request.Context(), usecase.ExtractRequest{
		RequestID: requestID,
		UserID:    userID,
		Path:      upload.Path,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": processingError(err)})
		return
	}

	if result.Face == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": msgNoFace})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"embeddings": result.Face.Descriptor,
		"confidence": result.Face.Confidence,
		"dimensions": result.Face.Dimensions(),
	})
}

// Result returns a recorded extraction by request ID.
func (h *Handler) Result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	log, err := h.extractor.GetResult(c.Request.Context(), requestID)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if err != nil {
		logging.WithOperation(h.logger, "handlers.result", requestID).Error("failed to load result", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": log.RequestID,
		"user_id":    log.UserID,
		"image_hash": log.ImageHash,
		"outcome":    log.Outcome,
		"confidence": log.Confidence,
		"dimensions": log.Dimensions,
		"cached":     log.Cached,
		"latency_ms": log.LatencyMs,
		"created_at": log.CreatedAt,
	})
}

// MetricsSummary returns aggregated extraction statistics.
func (h *Handler) MetricsSummary(c *gin.Context) {
	summary, err := h.extractor.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func isImage(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}

func processingError(err error) string {
	var opErr *logging.OperationError
	if errors.As(err, &opErr) {
		return "Error processing image: " + opErr.Cause()
	}
	return "Error processing image: " + err.Error()
}
