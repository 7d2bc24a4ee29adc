package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/face-embeddings/internal/auth"
	"github.com/example/face-embeddings/internal/detector"
	"github.com/example/face-embeddings/internal/readiness"
	"github.com/example/face-embeddings/internal/repository"
	"github.com/example/face-embeddings/internal/staging"
	"github.com/example/face-embeddings/internal/usecase"
)

const (
	testJWTSecret     = "test-secret"
	testMaxUploadSize = 4096
)

type testServer struct {
	router *gin.Engine
	gate   *readiness.Gate
	stager *staging.Stager
}

func newTestServer(t *testing.T, det detector.Detector, ready bool, middleware ...gin.HandlerFunc) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stager, err := staging.NewStager(filepath.Join(t.TempDir(), "uploads"), zap.NewNop())
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	gate := readiness.NewGate()
	if ready {
		markReady(t, gate)
	}

	uc := usecase.NewEmbeddingUseCase(det, detector.DefaultOptions(), zap.NewNop())
	router := gin.New()
	router.MaxMultipartMemory = testMaxUploadSize
	RegisterRoutes(router, NewHandler(gate, uc, stager, testMaxUploadSize, zap.NewNop()), middleware...)

	return &testServer{router: router, gate: gate, stager: stager}
}

func markReady(t *testing.T, gate *readiness.Gate) {
	t.Helper()
	if err := gate.Initialize(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("initialize gate: %v", err)
	}
}

func (s *testServer) stagedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(s.stager.Dir())
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	return len(entries)
}

func (s *testServer) postImage(t *testing.T, field, contentType string, payload []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := buildMultipartBody(t, field, contentType, payload)
	req := httptest.NewRequest(http.MethodPost, "/embeddings", body)
	req.Header.Set("Content-Type", formType)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) get(path string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

type embeddingsResponse struct {
	Success    bool      `json:"success"`
	Embeddings []float32 `json:"embeddings"`
	Confidence float64   `json:"confidence"`
	Dimensions int       `json:"dimensions"`
	Error      string    `json:"error"`
}

func decodeEmbeddings(t *testing.T, resp *httptest.ResponseRecorder) embeddingsResponse {
	t.Helper()
	var out embeddingsResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON body %q: %v", resp.Body.String(), err)
	}
	return out
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	for x := 0; x < 24; x++ {
		img.Set(x, 24-x-1, color.RGBA{G: 180, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func faceDetector(dims int, confidence float64) detector.Detector {
	return detector.Func(func(context.Context, image.Image, detector.Options) (*detector.Face, error) {
		descriptor := make([]float32, dims)
		for i := range descriptor {
			descriptor[i] = float32(i) / float32(dims)
		}
		return &detector.Face{Descriptor: descriptor, Confidence: confidence}, nil
	})
}

func TestEmbeddingsUnavailableUntilModelsLoad(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, 0.9), false)

	resp := srv.postImage(t, "image", "image/png", pngBytes(t))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
	if got := decodeEmbeddings(t, resp).Error; got != msgModelsLoading {
		t.Fatalf("unexpected error message: %q", got)
	}
	if n := srv.stagedFiles(t); n != 0 {
		t.Fatalf("expected no staged files, found %d", n)
	}
}

func TestEmbeddingsRequiresImageField(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, 0.9), true)

	resp := srv.postImage(t, "photo", "image/png", pngBytes(t))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if got := decodeEmbeddings(t, resp).Error; got != msgNoImage {
		t.Fatalf("unexpected error message: %q", got)
	}
}

func TestEmbeddingsRejectsNonMultipartBody(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, 0.9), true)

	req := httptest.NewRequest(http.MethodPost, "/embeddings", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	srv.router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestEmbeddingsRejectsNonImageContentType(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, 0.9), true)

	resp := srv.postImage(t, "image", "text/plain", []byte("hello"))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if got := decodeEmbeddings(t, resp).Error; got != msgNotAnImage {
		t.Fatalf("unexpected error message: %q", got)
	}
	if n := srv.stagedFiles(t); n != 0 {
		t.Fatalf("expected no staged files, found %d", n)
	}
}

func TestEmbeddingsRejectsLargeUpload(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, 0.9), true)

	resp := srv.postImage(t, "image", "image/png", bytes.Repeat([]byte("a"), testMaxUploadSize+1))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if n := srv.stagedFiles(t); n != 0 {
		t.Fatalf("expected no staged files, found %d", n)
	}
}

func TestEmbeddingsReturnsDescriptor(t *testing.T) {
	var stagedDuringDetect int
	var srv *testServer
	det := detector.Func(func(ctx context.Context, img image.Image, opts detector.Options) (*detector.Face, error) {
		stagedDuringDetect = srv.stagedFiles(t)
		return faceDetector(128, 0.93).Detect(ctx, img, opts)
	})
	srv = newTestServer(t, det, true)

	resp := srv.postImage(t, "image", "image/png", pngBytes(t))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	body := decodeEmbeddings(t, resp)
	if !body.Success {
		t.Fatal("expected success=true")
	}
	if body.Dimensions != 128 || len(body.Embeddings) != 128 {
		t.Fatalf("expected 128 dimensions, got %d (len %d)", body.Dimensions, len(body.Embeddings))
	}
	if body.Confidence < 0 || body.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", body.Confidence)
	}
	if resp.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	if stagedDuringDetect != 1 {
		t.Fatalf("expected the upload to be staged during detection, found %d files", stagedDuringDetect)
	}
	if n := srv.stagedFiles(t); n != 0 {
		t.Fatalf("expected staged file to be removed, found %d", n)
	}
}

func TestEmbeddingsNoFace(t *testing.T) {
	det := detector.Func(func(context.Context, image.Image, detector.Options) (*detector.Face, error) {
		return nil, nil
	})
	srv := newTestServer(t, det, true)

	resp := srv.postImage(t, "image", "image/png", pngBytes(t))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
	body := decodeEmbeddings(t, resp)
	if body.Success || body.Error != msgNoFace {
		t.Fatalf("unexpected body: %+v", body)
	}
	if n := srv.stagedFiles(t); n != 0 {
		t.Fatalf("expected staged file to be removed, found %d", n)
	}
}

func TestEmbeddingsCorruptImage(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, 0.9), true)

	resp := srv.postImage(t, "image", "image/jpeg", []byte("\xff\xd8 not really a jpeg"))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	body := decodeEmbeddings(t, resp)
	if body.Success || body.Error == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if n := srv.stagedFiles(t); n != 0 {
		t.Fatalf("expected staged file to be removed, found %d", n)
	}
}

func TestEmbeddingsDetectorFailure(t *testing.T) {
	det := detector.Func(func(context.Context, image.Image, detector.Options) (*detector.Face, error) {
		return nil, errors.New("model exploded")
	})
	srv := newTestServer(t, det, true)

	resp := srv.postImage(t, "image", "image/png", pngBytes(t))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	if got := decodeEmbeddings(t, resp).Error; got != "Error processing image: model exploded" {
		t.Fatalf("unexpected error message: %q", got)
	}
	if n := srv.stagedFiles(t); n != 0 {
		t.Fatalf("expected staged file to be removed, found %d", n)
	}
}

func TestEmbeddingsRejectsNonFiniteConfidence(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, math.NaN()), true)

	resp := srv.postImage(t, "image", "image/png", pngBytes(t))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	body := decodeEmbeddings(t, resp)
	if body.Success || !strings.HasPrefix(body.Error, "Error processing image: ") {
		t.Fatalf("unexpected body: %+v", body)
	}
	if n := srv.stagedFiles(t); n != 0 {
		t.Fatalf("expected staged file to be removed, found %d", n)
	}
}

func TestHealthReflectsGate(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, 0.9), false)

	var body struct {
		Status       string `json:"status"`
		ModelsLoaded bool   `json:"modelsLoaded"`
	}

	resp := srv.get("/health")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body.Status != "healthy" || body.ModelsLoaded {
		t.Fatalf("unexpected body before load: %+v", body)
	}

	markReady(t, srv.gate)

	resp = srv.get("/health")
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !body.ModelsLoaded {
		t.Fatalf("expected modelsLoaded=true after load: %+v", body)
	}
}

func TestResultAndMetricsWithoutHistory(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, 0.9), true)

	if resp := srv.get("/requests/unknown"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}

	resp := srv.get("/metrics/summary")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if summary.TotalRequests != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
}

type stubExtractor struct {
	log *repository.ExtractionLog
}

func (s *stubExtractor) Extract(context.Context, usecase.ExtractRequest) (*usecase.Extraction, error) {
	return nil, errors.New("not used")
}

func (s *stubExtractor) GetResult(_ context.Context, requestID string) (*repository.ExtractionLog, error) {
	if s.log != nil && s.log.RequestID == requestID {
		return s.log, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubExtractor) GetMetricsSummary(context.Context) (*usecase.MetricsSummary, error) {
	return nil, errors.New("db down")
}

func TestResultReturnsRecordedExtraction(t *testing.T) {
	gin.SetMode(gin.TestMode)
	extractor := &stubExtractor{log: &repository.ExtractionLog{
		RequestID:  "req-1",
		Outcome:    repository.OutcomeFound,
		Dimensions: 128,
		CreatedAt:  time.Now().UTC(),
	}}
	router := gin.New()
	RegisterRoutes(router, NewHandler(readiness.NewGate(), extractor, nil, 0, zap.NewNop()))

	req := httptest.NewRequest(http.MethodGet, "/requests/req-1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["outcome"] != repository.OutcomeFound || body["dimensions"] != float64(128) {
		t.Fatalf("unexpected body: %v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics/summary", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, faceDetector(128, 0.9), true, auth.JWTMiddleware(testJWTSecret, ""))

	resp := srv.postImage(t, "image", "image/png", pngBytes(t))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
	if n := srv.stagedFiles(t); n != 0 {
		t.Fatalf("expected no staged files, found %d", n)
	}

	if resp := srv.get("/health"); resp.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", resp.Code)
	}

	token := buildTestToken(t, "user-123")
	resp = srv.postImage(t, "image", "image/png", pngBytes(t), "Authorization", "Bearer "+token)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
}

func buildMultipartBody(t *testing.T, field, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
