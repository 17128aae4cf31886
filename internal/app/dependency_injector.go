package app

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/you-humble/convhub/internal/cleanup"
	"github.com/you-humble/convhub/internal/dispatcher"
	"github.com/you-humble/convhub/internal/domain"
	"github.com/you-humble/convhub/internal/engine"
	"github.com/you-humble/convhub/internal/health"
	"github.com/you-humble/convhub/internal/infra/config"
	"github.com/you-humble/convhub/internal/infra/events"
	filestore "github.com/you-humble/convhub/internal/infra/store/file"
	jobmirror "github.com/you-humble/convhub/internal/infra/store/job"
	"github.com/you-humble/convhub/internal/jobstore"
	mio "github.com/you-humble/convhub/internal/libs/minio"
	natsq "github.com/you-humble/convhub/internal/libs/nats"
	rediscli "github.com/you-humble/convhub/internal/libs/redis"
	"github.com/you-humble/convhub/internal/slot"
	"github.com/you-humble/convhub/internal/transport"
	"github.com/you-humble/convhub/internal/usecase"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
)

const (
	observerBuffer  = 1024
	observerTimeout = 5 * time.Second
)

type closer interface {
	Close(ctx context.Context) error
}

type dependencyInjector struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger

	redis    *redis.Client
	natsConn *nats.Conn
	js       nats.JetStreamContext

	fileStore  filestore.FileStore
	replicator closer
	observers  []*jobstore.AsyncObserver
	jobStore   *jobstore.Store

	slots      []*slot.Slot
	dispatcher *dispatcher.Dispatcher
	reaper     *cleanup.Reaper

	healthSrv *grpchealth.Server
	monitor   *health.Monitor
	grpcSrv   *grpc.Server

	usecase transport.Usecase
}

func newDI(cfgPath string) *dependencyInjector {
	return &dependencyInjector{cfgPath: cfgPath}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(di.cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel(di.Config().LogLevel),
		}))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedisClient returns nil when redis is not configured.
func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	cfg := di.Config().Redis
	if cfg.Addr == "" {
		return nil
	}

	if di.redis == nil {
		client, err := rediscli.NewClient(ctx, rediscli.Config{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("Redis: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

// NATSConn returns nil when nats is not configured.
func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	cfg := di.Config().NATS
	if cfg.URL == "" {
		return nil
	}

	if di.natsConn == nil {
		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          "convhub",
			MaxReconnects: cfg.MaxReconnects,
			ReconnectWait: cfg.ReconnectWait,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
		di.Logger().Info("connected to nats", slog.String("url", cfg.URL))
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	nc := di.NATSConn(ctx)
	if nc == nil {
		return nil
	}

	if di.js == nil {
		cfg := di.Config()
		js, err := natsq.NewJetStream(nc, events.StreamConfig(cfg.NATS.Stream, cfg.NATS.Subject, 2*cfg.Jobs.Retention))
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}
		di.js = js
	}
	return di.js
}

// FileStore is the local disk, mirrored to MinIO when an endpoint is set.
func (di *dependencyInjector) FileStore(ctx context.Context) filestore.FileStore {
	if di.fileStore == nil {
		cfg := di.Config()

		local, err := filestore.NewLocalStore(cfg.BaseDir)
		if err != nil {
			log.Fatalf("FileStore local: %+v", err)
		}
		di.Logger().Info("initialized local file store", slog.String("base_dir", cfg.BaseDir))

		if cfg.MinIO.Endpoint == "" {
			di.fileStore = local
			return di.fileStore
		}

		remote, err := filestore.NewMinIOStore(ctx, mio.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
			BasePath:        cfg.MinIO.BasePath,
		})
		if err != nil {
			log.Fatalf("FileStore minio: %+v", err)
		}
		di.Logger().Info(
			"initialized MinIO file store",
			slog.String("endpoint", cfg.MinIO.Endpoint),
			slog.String("bucket", cfg.MinIO.Bucket),
		)

		async := filestore.NewAsyncStore(ctx, local, remote, filestore.ReplicationConfig{
			QueueSize:  cfg.Replication.QueueCapacity,
			Workers:    cfg.Replication.PoolSize,
			MaxRetries: cfg.Replication.MaxRetries,
		})
		di.Logger().Info(
			"using async file store (local + MinIO)",
			slog.Int("queue_size", cfg.Replication.QueueCapacity),
			slog.Int("worker_num", cfg.Replication.PoolSize),
			slog.Int("max_retries", cfg.Replication.MaxRetries),
		)
		di.fileStore = async
		di.replicator = async
	}

	return di.fileStore
}

// JobStore is the in-memory registry; redis and nats only receive copies of
// its changes.
func (di *dependencyInjector) JobStore(ctx context.Context) *jobstore.Store {
	if di.jobStore == nil {
		cfg := di.Config()
		var opts []jobstore.Option

		if rdb := di.RedisClient(ctx); rdb != nil {
			o := jobstore.NewAsyncObserver("redis",
				jobmirror.NewRedisMirror(rdb, cfg.Redis.Prefix, cfg.Redis.TTL),
				observerBuffer, observerTimeout)
			di.observers = append(di.observers, o)
			opts = append(opts, jobstore.WithObserver(o))
		}
		if js := di.JetStream(ctx); js != nil {
			o := jobstore.NewAsyncObserver("nats",
				events.NewPublisher(js, cfg.NATS.Subject),
				observerBuffer, observerTimeout)
			di.observers = append(di.observers, o)
			opts = append(opts, jobstore.WithObserver(o))
		}

		di.jobStore = jobstore.New(cfg.Jobs.Capacity, opts...)
	}
	return di.jobStore
}

// Slots builds one slot per enabled engine.
func (di *dependencyInjector) Slots(ctx context.Context) []*slot.Slot {
	if di.slots == nil {
		cfg := di.Config().Engines
		store := di.FileStore(ctx)

		if !cfg.ASR.Disabled {
			e := engine.NewASR(engine.ASRConfig{
				Binary:   cfg.ASR.Binary,
				FFmpeg:   cfg.ASR.FFmpeg,
				Model:    cfg.ASR.Model,
				Language: cfg.ASR.Language,
				Threads:  cfg.ASR.Threads,
			}, store)
			di.slots = append(di.slots, slot.New(domain.ModalityASR, e, cfg.ASR.MaxConcurrency))
		}
		if !cfg.PDF.Disabled {
			e := engine.NewPDF(engine.PDFConfig{
				Binary: cfg.PDF.Binary,
				DPI:    cfg.PDF.DPI,
			}, store)
			di.slots = append(di.slots, slot.New(domain.ModalityPDF, e, cfg.PDF.MaxConcurrency))
		}
		if !cfg.OCR.Disabled {
			e := engine.NewOCR(engine.OCRConfig{
				Binary:   cfg.OCR.Binary,
				Language: cfg.OCR.Language,
				DataDir:  cfg.OCR.DataDir,
			}, store)
			di.slots = append(di.slots, slot.New(domain.ModalityOCR, e, cfg.OCR.MaxConcurrency))
		}

		for _, s := range di.slots {
			di.Logger().Info("engine slot",
				slog.String("modality", string(s.Modality())),
				slog.Int("max_concurrency", s.MaxConcurrency()),
			)
		}
	}
	return di.slots
}

func (di *dependencyInjector) Dispatcher(ctx context.Context) *dispatcher.Dispatcher {
	if di.dispatcher == nil {
		cfg := di.Config().Jobs
		slots := di.Slots(ctx)

		ds := make([]dispatcher.Slot, len(slots))
		for i, s := range slots {
			ds[i] = s
		}
		di.dispatcher = dispatcher.New(ctx, dispatcher.Config{
			SyncTimeout:  cfg.SyncTimeout,
			MaxRuntime:   cfg.MaxRuntime,
			MaxBatchSize: cfg.MaxBatchSize,
		}, di.JobStore(ctx), ds...)
	}
	return di.dispatcher
}

func (di *dependencyInjector) Reaper(ctx context.Context) *cleanup.Reaper {
	if di.reaper == nil {
		cfg := di.Config().Jobs
		di.reaper = cleanup.New(cleanup.Config{
			Interval:  cfg.ReapInterval,
			Retention: cfg.Retention,
			OrphanAge: orphanAge(cfg),
		}, di.JobStore(ctx), di.FileStore(ctx))
	}
	return di.reaper
}

// orphanAge is long enough that no live job can still reference the file.
func orphanAge(cfg config.Jobs) time.Duration {
	return max(2*cfg.Retention, 2*cfg.MaxRuntime, 24*time.Hour)
}

func (di *dependencyInjector) HealthServer() *grpchealth.Server {
	if di.healthSrv == nil {
		di.healthSrv = grpchealth.NewServer()
	}
	return di.healthSrv
}

func (di *dependencyInjector) Monitor(ctx context.Context) *health.Monitor {
	if di.monitor == nil {
		slots := di.Slots(ctx)

		hs := make([]health.Slot, len(slots))
		for i, s := range slots {
			hs[i] = s
		}
		di.monitor = health.NewMonitor(di.HealthServer(), 0, hs...)
	}
	return di.monitor
}

func (di *dependencyInjector) GRPCServer(ctx context.Context) *grpc.Server {
	if di.grpcSrv == nil {
		di.grpcSrv = health.NewServer(di.HealthServer(), di.Logger())
	}
	return di.grpcSrv
}

func (di *dependencyInjector) Usecase(ctx context.Context) transport.Usecase {
	if di.usecase == nil {
		di.usecase = usecase.New(
			di.Dispatcher(ctx),
			di.FileStore(ctx),
			di.Monitor(ctx),
		)
	}
	return di.usecase
}

func (di *dependencyInjector) Router(ctx context.Context) http.Handler {
	return transport.NewRouter(
		transport.NewHandler(di.Config().MaxUploadBytesMb, di.Usecase(ctx)),
	)
}
