package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-embeddings/internal/auth"
	"github.com/example/face-embeddings/internal/config"
	"github.com/example/face-embeddings/internal/detector"
	"github.com/example/face-embeddings/internal/detector/dlib"
	"github.com/example/face-embeddings/internal/detector/remote"
	"github.com/example/face-embeddings/internal/events"
	"github.com/example/face-embeddings/internal/handlers"
	"github.com/example/face-embeddings/internal/logging"
	"github.com/example/face-embeddings/internal/readiness"
	"github.com/example/face-embeddings/internal/repository"
	"github.com/example/face-embeddings/internal/staging"
	"github.com/example/face-embeddings/internal/usecase"
)

var (
	serveCfg config.Config
	envErr   error
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the face models and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if envErr != nil {
			return fmt.Errorf("invalid environment: %w", envErr)
		}
		return runServe(cmd.Context(), serveCfg)
	},
}

func init() {
	serveCfg, envErr = config.FromEnv()

	flags := serveCmd.Flags()
	flags.StringVar(&serveCfg.Addr, "addr", serveCfg.Addr, "HTTP listen address")
	flags.StringVar(&serveCfg.ModelsDir, "models-dir", serveCfg.ModelsDir, "Directory holding the dlib model files")
	flags.StringVar(&serveCfg.UploadDir, "upload-dir", serveCfg.UploadDir, "Directory uploads are staged in")
	flags.StringVar(&serveCfg.Backend, "backend", serveCfg.Backend, "Detector backend: dlib or grpc")
	flags.StringVar(&serveCfg.DetectorAddr, "detector-addr", serveCfg.DetectorAddr, "Model server address for the grpc backend")
	flags.IntVar(&serveCfg.InputSize, "input-size", serveCfg.InputSize, "Minimum input resolution passed to the detector")
	flags.Float64Var(&serveCfg.ScoreThreshold, "score-threshold", serveCfg.ScoreThreshold, "Minimum detection confidence")
	flags.Int64Var(&serveCfg.MaxUploadSize, "max-upload-bytes", serveCfg.MaxUploadSize, "Maximum accepted image size in bytes")
	flags.StringVar(&serveCfg.LogLevel, "log-level", serveCfg.LogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	gin.SetMode(cfg.GinMode)

	stager, err := staging.NewStager(cfg.UploadDir, logger)
	if err != nil {
		logger.Fatal("failed to prepare upload directory", zap.Error(err))
	}
	if _, err := stager.Sweep(); err != nil {
		logger.Warn("failed to sweep upload directory", zap.Error(err))
	}

	var options []usecase.Option
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		options = append(options, usecase.WithCache(usecase.NewRedisCache(redisClient), cfg.CacheTTL))
	}
	if cfg.DatabaseDSN != "" {
		dbCtx, dbCancel := context.WithTimeout(ctx, 15*time.Second)
		db := initDatabase(dbCtx, cfg.DatabaseDSN, logger)
		repo := repository.NewExtractionRepository(db, logger)
		if err := repo.AutoMigrate(dbCtx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		dbCancel()
		options = append(options, usecase.WithHistory(repo))
	}
	if cfg.MQTTBroker != "" {
		publisher, err := events.NewMQTTPublisher(cfg.MQTTBroker, cfg.MQTTTopic, logger)
		if err != nil {
			logger.Fatal("failed to connect to mqtt broker", zap.Error(err))
		}
		defer publisher.Close()
		options = append(options, usecase.WithEvents(publisher))
	}

	gate := readiness.NewGate()
	var (
		det       detector.Detector
		closeFunc func()
	)
	err = gate.Initialize(ctx, func(ctx context.Context) error {
		var loadErr error
		det, closeFunc, loadErr = loadDetector(ctx, cfg, logger)
		return loadErr
	})
	if err != nil {
		logger.Fatal("failed to load face models", zap.Error(err), zap.String("backend", cfg.Backend))
	}
	defer closeFunc()
	logger.Info("face models ready", zap.String("backend", cfg.Backend))

	uc := usecase.NewEmbeddingUseCase(det, cfg.DetectorOptions(), logger, options...)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadSize

	var middleware []gin.HandlerFunc
	if auth.Enabled(cfg.JWTSecret) {
		middleware = append(middleware, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))
	}
	handlers.RegisterRoutes(r, handlers.NewHandler(gate, uc, stager, cfg.MaxUploadSize, logger), middleware...)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face embedding gateway listening", zap.String("addr", cfg.Addr), zap.Bool("auth", len(middleware) > 0))
	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

// loadDetector loads the configured backend. The returned close function
// releases it.
func loadDetector(ctx context.Context, cfg config.Config, logger *zap.Logger) (detector.Detector, func(), error) {
	switch cfg.Backend {
	case config.BackendDlib:
		d, err := dlib.Load(cfg.ModelsDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case config.BackendGRPC:
		d, err := remote.Dial(ctx, cfg.DetectorAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
