// Package config reads gateway settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/face-embeddings/internal/detector"
)

// Detector backends.
const (
	BackendDlib = "dlib"
	BackendGRPC = "grpc"
)

// Config holds every setting the serve command needs.
type Config struct {
	Addr            string
	ModelsDir       string
	UploadDir       string
	MaxUploadSize   int64
	ShutdownTimeout time.Duration
	LogLevel        string
	GinMode         string

	Backend        string
	DetectorAddr   string
	InputSize      int
	ScoreThreshold float64

	JWTSecret   string
	JWTAudience string

	RedisAddr string
	CacheTTL  time.Duration

	DatabaseDSN string

	MQTTBroker string
	MQTTTopic  string
}

// FromEnv builds a Config from environment variables, falling back to defaults.
// Malformed numeric values are reported rather than silently replaced.
func FromEnv() (Config, error) {
	var errs []error

	cfg := Config{
		Addr:         getEnv("ADDR", ":3000"),
		ModelsDir:    getEnv("MODELS_DIR", "./models"),
		UploadDir:    getEnv("UPLOAD_DIR", "uploads"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		GinMode:      getEnv("GIN_MODE", "release"),
		Backend:      getEnv("DETECTOR_BACKEND", BackendDlib),
		DetectorAddr: getEnv("DETECTOR_ADDR", "model-server:50051"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTAudience:  os.Getenv("JWT_AUDIENCE"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		DatabaseDSN:  os.Getenv("DATABASE_DSN"),
		MQTTBroker:   os.Getenv("MQTT_BROKER"),
		MQTTTopic:    os.Getenv("MQTT_TOPIC"),
	}

	cfg.MaxUploadSize = getInt64(&errs, "MAX_UPLOAD_BYTES", 10<<20)
	cfg.ShutdownTimeout = getDuration(&errs, "SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.CacheTTL = getDuration(&errs, "CACHE_TTL", 10*time.Minute)
	cfg.InputSize = int(getInt64(&errs, "DETECTOR_INPUT_SIZE", detector.DefaultInputSize))
	cfg.ScoreThreshold = getFloat(&errs, "DETECTOR_SCORE_THRESHOLD", detector.DefaultScoreThreshold)

	return cfg, errors.Join(errs...)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		errs = append(errs, errors.New("upload directory is required"))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadSize))
	}
	if c.InputSize <= 0 {
		errs = append(errs, fmt.Errorf("detector input size must be positive, got %d", c.InputSize))
	}
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("detector score threshold must be within [0,1], got %g", c.ScoreThreshold))
	}
	switch c.Backend {
	case BackendDlib:
		if strings.TrimSpace(c.ModelsDir) == "" {
			errs = append(errs, errors.New("models directory is required for the dlib backend"))
		}
	case BackendGRPC:
		if strings.TrimSpace(c.DetectorAddr) == "" {
			errs = append(errs, errors.New("detector address is required for the grpc backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown detector backend %q", c.Backend))
	}
	return errors.Join(errs...)
}

// DetectorOptions returns the fixed detection settings.
func (c Config) DetectorOptions() detector.Options {
	return detector.Options{InputSize: c.InputSize, ScoreThreshold: c.ScoreThreshold}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(errs *[]error, key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return value
}

func getFloat(errs *[]error, key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return value
}

func getDuration(errs *[]error, key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return value
}
