// Package worker wires the event consumers: the generation pipeline, the
// lifecycle reconciler and the order processor.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/plushify/plushify-api/internal/config"
	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/domain/pipeline"
	"github.com/plushify/plushify-api/internal/domain/purchase"
	"github.com/plushify/plushify-api/internal/pkg/ai"
	"github.com/plushify/plushify-api/internal/pkg/eventbus"
	"github.com/plushify/plushify-api/internal/pkg/imaging"
	"github.com/plushify/plushify-api/internal/pkg/metrics"
	"github.com/plushify/plushify-api/internal/pkg/storage"
)

// OpenBus builds the transport selected by cfg.EventBus. deadLetter may be
// nil for publish-only processes.
func OpenBus(cfg *config.Config, rdb *redis.Client, m *metrics.Metrics, deadLetter eventbus.DeadLetterFunc) (eventbus.Bus, error) {
	return eventbus.Open(eventbus.Config{
		Driver: cfg.EventBus,
		Redis: eventbus.RedisConfig{
			MaxLen: cfg.StreamMaxLen,
		},
		Kafka: eventbus.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		},
	}, rdb, eventbus.Options{
		MaxDeliveries: cfg.MaxDeliveries,
		Workers:       cfg.PipelineWorkers,
		DeadLetter:    deadLetter,
		Metrics:       m,
	})
}

// Deps are the clients the consumers run on. Redis is optional.
type Deps struct {
	Config  *config.Config
	DB      *sqlx.DB
	Redis   *redis.Client
	Blobs   generation.BlobStore
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// Worker registers the consumers on a bus. It is created before the bus
// so its DeadLetter hook can be handed to the transport.
type Worker struct {
	host atomic.Pointer[pipeline.Host]
}

func New() *Worker {
	return &Worker{}
}

// DeadLetter forwards exhausted events to the pipeline host.
func (w *Worker) DeadLetter(ctx context.Context, evt eventbus.Event, err error) {
	h := w.host.Load()
	if h == nil {
		log.Error().Err(err).Str("event_id", evt.ID).Str("type", evt.Type).Msg("Event dead lettered before worker registration")
		return
	}
	h.DeadLetter(ctx, evt, err)
}

// Register subscribes every consumer to d.Bus.
func (w *Worker) Register(d Deps) (*pipeline.Host, error) {
	cfg := d.Config

	client, err := ai.NewClient(ai.Options{
		APIKey:         cfg.OpenRouterAPIKey,
		BaseURL:        cfg.OpenRouterBaseURL,
		AnalyzeModel:   cfg.AIAnalyzeModel,
		TransformModel: cfg.AITransformModel,
		Timeout:        cfg.AITimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ai client: %w", err)
	}

	ledger := credit.NewRepository(d.DB)
	generations := generation.NewRepository(d.DB, ledger)

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Repo:       generations,
		Blobs:      d.Blobs,
		AI:         client,
		Normalizer: imaging.NewNormalizer(imaging.DefaultConfig()),
		Steps:      pipeline.NewStepLog(d.DB),
		Gate:       newGate(cfg, d.Redis),
		Metrics:    d.Metrics,
	}, pipeline.Config{
		MaxAttempts: cfg.PipelineMaxAttempts,
		BackoffBase: cfg.PipelineBackoffBase,
	})

	reconciler := pipeline.NewReconciler(generation.NewCleaner(generations, d.Blobs), d.Metrics)
	host := pipeline.NewHost(orch, reconciler, d.Bus)
	host.Register()

	purchases := purchase.NewService(purchase.NewRepository(d.DB, ledger), d.Bus, d.Metrics)
	d.Bus.Subscribe(purchase.EventOrderPaid, purchases.HandleOrderPaid)

	w.host.Store(host)
	return host, nil
}

// newGate shares the per-user limit across processes when the transport
// does; the in-memory bus only ever runs in one process.
func newGate(cfg *config.Config, rdb *redis.Client) pipeline.Gate {
	if rdb != nil && cfg.EventBus != "" && cfg.EventBus != "memory" {
		return pipeline.NewRedisGate(rdb, cfg.PipelineUserConcurrency)
	}
	return pipeline.NewLocalGate(cfg.PipelineUserConcurrency)
}

// OpenBlobs builds the blob store selected by cfg.StorageDriver.
func OpenBlobs(cfg *config.Config) (*storage.Blobs, error) {
	st, err := storage.New(storage.Config{
		Driver: cfg.StorageDriver,
		R2: storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		},
		S3Endpoint:  cfg.S3Endpoint,
		S3Region:    cfg.S3Region,
		S3Bucket:    cfg.S3Bucket,
		S3AccessKey: cfg.S3AccessKey,
		S3SecretKey: cfg.S3SecretKey,
		LocalPath:   cfg.LocalStoragePath,
		LocalURL:    cfg.LocalStorageURL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return storage.NewBlobs(st), nil
}
