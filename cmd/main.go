package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/api"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/capture"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/classifier"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/config"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/database"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/dispatch"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/kafka"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/logger"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/metrics"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/mqtt"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/nats"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/preview"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/render"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/runner"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/s3"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/services/detection"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/statuscache"
)

const shutdownTimeout = 10 * time.Second

type publisher interface {
	dispatch.Publisher
	Close() error
}

func main() {
	// Чтение конфига
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal(err)
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Service)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("runner exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Screenshots.Dir, 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}

	m := metrics.New()

	pub, err := newPublisher(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer func() { _ = pub.Close() }()

	// Инициализация s3
	var (
		mirror dispatch.Mirror
		frames capture.FrameStore
	)
	if cfg.Minio.Endpoint != "" {
		minioClient, err := s3.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Secure, cfg.Screenshots.MirrorBucket)
		if err != nil {
			return fmt.Errorf("failed connect to MinIO: %w", err)
		}
		frames = minioClient

		if cfg.Screenshots.MirrorBucket != "" {
			if err := minioClient.EnsureBucketExists(ctx, cfg.Screenshots.MirrorBucket); err != nil {
				return err
			}
			mirror = minioClient
		}
	}

	sink := dispatch.New(pub, mirror, dispatch.Options{
		Dir:            cfg.Screenshots.Dir,
		Topic:          cfg.Bus.Topic,
		JPEGQuality:    cfg.Screenshots.JPEGQuality,
		Workers:        cfg.Bus.Workers,
		QueueSize:      cfg.Bus.QueueSize,
		PublishTimeout: cfg.Bus.PublishTimeout,
	}, lg.Named("dispatch"), m)
	defer sink.Close()

	hub := preview.New(cfg.Overlay.PreviewQuality, m, lg.Named("preview"))

	deps := runner.Deps{
		Sources:    capture.NewDefaultRegistry(capture.Options{ReplayFPS: cfg.Stream.ReplayFPS}, frames),
		Detector:   detection.NewClient(cfg.Detection.Endpoint, cfg.Detection.Timeout, cfg.Detection.JPEGQuality, lg.Named("detection")),
		Classifier: classifier.New(cfg.EventCategories(), cfg.PersonClass()),
		Renderer: render.New(render.Options{
			FontPath:      cfg.Overlay.FontPath,
			FontSize:      cfg.Overlay.FontSize,
			PersonsFormat: cfg.Overlay.PersonsFormat,
			WarningFormat: cfg.Overlay.WarningFormat,
		}, lg.Named("render")),
		Sink:    sink,
		Preview: hub,
		Metrics: m,
	}

	// Инициализация базы данных
	if cfg.Postgres.DSN != "" {
		db, err := database.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Init(ctx); err != nil {
			return err
		}
		deps.Store = db
	}

	var cache *statuscache.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		cache = statuscache.New(rdb, cfg.Redis.KeyPrefix, 3*cfg.Redis.Interval, lg.Named("statuscache"))
		deps.Cache = cache
	}

	r := runner.New(deps, runner.Options{
		EveryNFrames:  cfg.Stream.EveryNFrames,
		MinInterval:   cfg.Stream.MinInterval,
		Width:         cfg.Stream.Width,
		Height:        cfg.Stream.Height,
		DetectTimeout: cfg.Detection.Timeout,
	}, lg.Named("runner"))

	if err := r.Resume(ctx); err != nil {
		lg.Warn("failed to resume streams", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(api.NewHandlers(r, hub, m.Handler(), lg.Named("api"))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lg.Info("starting API server", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.CommandTopic != "" {
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.CommandTopic, lg.Named("commands"))
		if err != nil {
			return fmt.Errorf("failed to create Kafka consumer: %w", err)
		}
		defer consumer.Close()

		g.Go(func() error {
			return consumer.Run(gctx, r.HandleCommand)
		})
	}

	g.Go(func() error {
		r.Watchdog(gctx, cfg.Watchdog.Interval)
		return nil
	})

	if cache != nil {
		g.Go(func() error {
			cache.Run(gctx, cfg.Redis.Interval, r.Status)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Warn("http shutdown", zap.Error(err))
		}
		return r.StopAll(shutdownCtx)
	})

	return g.Wait()
}

// newPublisher подключает шину, выбранную в конфиге
func newPublisher(ctx context.Context, cfg *config.Config, lg *zap.Logger) (publisher, error) {
	switch cfg.Bus.Driver {
	case config.BusMQTT:
		return mqtt.NewPublisher(ctx, mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		}, lg.Named("mqtt"))
	case config.BusKafka:
		return kafka.NewProducer(cfg.Kafka.Brokers)
	case config.BusNATS:
		return nats.NewPublisher(cfg.NATS.URL, cfg.Log.Service, lg.Named("nats"))
	default:
		return dispatch.NewLogPublisher(lg.Named("bus")), nil
	}
}
