package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/inbound"
	"github.com/petrijr/stepflow/internal/mailer"
	"github.com/petrijr/stepflow/internal/metrics"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/records"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/internal/tracking"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/worker"
)

// App holds the wired runtime and the connections it owns.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	recordsDB *sql.DB
	redis     *redis.Client
	mongo     *mongo.Client

	engine   api.Engine
	queue    taskqueue.Queue
	worker   *worker.Worker
	registry *prometheus.Registry
	signer   *tracking.Signer
	links    *tracking.LinkRegistry
}

// NewApp connects the configured backends and builds the engine.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "sqlite":
		db, err := sql.Open("sqlite", a.cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		a.db = db
	case "postgres":
		db, err := sql.Open("pgx", a.cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		a.db = db
	}

	if a.cfg.Queue.Driver == "redis" || a.cfg.Lease.Driver == "redis" {
		client := redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Address})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		a.redis = client
	}

	if a.cfg.Queue.Driver == "mongo" || a.cfg.History.Driver == "mongo" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		a.mongo = client
	}
	return nil
}

func (a *App) persistence() (persistence.Persistence, error) {
	var p persistence.Persistence
	switch a.cfg.Storage.Driver {
	case "sqlite":
		store, err := persistence.NewSQLiteStore(a.db)
		if err != nil {
			return p, err
		}
		p = persistence.FromStore(store)
	case "postgres":
		store, err := persistence.NewPostgresStore(a.db)
		if err != nil {
			return p, err
		}
		p = persistence.FromStore(store)
	default:
		p = persistence.NewInMemory()
	}

	if a.cfg.Lease.Driver == "redis" {
		p.Leases = persistence.NewRedisLeaser(a.redis, a.cfg.Redis.Prefix)
	}

	switch a.cfg.History.Driver {
	case "sql":
		var (
			events *persistence.SQLEventStore
			err    error
		)
		if a.cfg.Storage.Driver == "postgres" {
			events, err = persistence.NewPostgresEventStore(a.db)
		} else {
			events, err = persistence.NewSQLiteEventStore(a.db)
		}
		if err != nil {
			return p, err
		}
		p.Events = events
	case "mongo":
		p.Events = persistence.NewMongoEventStore(a.mongo, a.cfg.Mongo.Database, "")
	}
	return p, nil
}

func (a *App) recordStore() (api.RecordStore, error) {
	if a.cfg.Records.Driver != "sqlite" {
		return records.NewMemoryStore(), nil
	}
	db := a.db
	if a.cfg.Records.DSN != "" {
		var err error
		db, err = sql.Open("sqlite", a.cfg.Records.DSN)
		if err != nil {
			return nil, fmt.Errorf("open records: %w", err)
		}
		a.recordsDB = db
	}
	return records.NewSQLiteStore(db)
}

func (a *App) taskQueue() (taskqueue.Queue, error) {
	switch a.cfg.Queue.Driver {
	case "sql":
		if a.cfg.Storage.Driver == "postgres" {
			return taskqueue.NewPostgresQueue(a.db)
		}
		return taskqueue.NewSQLiteQueue(a.db)
	case "redis":
		return taskqueue.NewRedisQueue(a.redis, a.cfg.Redis.Prefix), nil
	case "mongo":
		return taskqueue.NewMongoQueue(a.mongo, a.cfg.Mongo.Database, ""), nil
	}
	return taskqueue.NewInMemoryQueue(), nil
}

func (a *App) build() error {
	p, err := a.persistence()
	if err != nil {
		return err
	}
	recs, err := a.recordStore()
	if err != nil {
		return err
	}
	q, err := a.taskQueue()
	if err != nil {
		return err
	}
	a.queue = q

	observers := []api.Observer{api.NewLoggingObserver(a.logger)}
	if a.cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		obs, err := metrics.NewObserver(a.registry)
		if err != nil {
			return err
		}
		observers = append(observers, obs)
	}

	composerOpts := mailer.Options{RecipientField: a.cfg.Mail.RecipientField}
	if a.cfg.Mail.Templates != "" {
		templates, err := mailer.LoadTemplates(a.cfg.Mail.Templates)
		if err != nil {
			return err
		}
		composerOpts.Templates = templates
	}
	if a.cfg.Tracking.Enabled {
		a.signer = tracking.NewSigner([]byte(a.cfg.Tracking.Secret))
		a.links = tracking.NewLinkRegistry()
		composerOpts.BaseURL = a.cfg.Tracking.BaseURL
		composerOpts.Signer = a.signer
		composerOpts.Links = a.links
	}

	a.engine = engine.NewEngineWithConfig(engine.Config{
		Persistence: p,
		Observer:    api.NewCompositeObserver(observers...),
		Logger:      a.logger,
		Records:     recs,
		Mail:        &logTransport{logger: a.logger},
		Composer:    mailer.NewComposer(composerOpts),
		Waker:       worker.NewBridge(q),
		LeaseTTL:    a.cfg.Lease.TTL,
	})
	a.worker = worker.NewWithConfig(a.engine, q, worker.Config{
		MaxAttempts: a.cfg.Scheduler.MaxAttempts,
		Backoff:     a.cfg.Scheduler.Backoff,
		LeaseTTL:    a.cfg.Lease.TTL,
		Logger:      a.logger,
	})
	return nil
}

// Tick runs discovery and both sweeps once, in process. Due instances run
// before the expiry sweep, so an instance due at its expiry time still runs.
func (a *App) Tick(ctx context.Context) (ran, expired int, err error) {
	if err := a.engine.CronTick(ctx); err != nil {
		return 0, 0, err
	}
	ran, err = a.engine.RunDue(ctx)
	if err != nil {
		return ran, 0, err
	}
	expired, err = a.engine.ExpireDue(ctx)
	return ran, expired, err
}

// Serve runs workers, the scheduler, the HTTP listener and the inbound
// subscriber until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	sched, err := worker.NewScheduler(a.worker, worker.Schedule{
		Discovery: a.cfg.Scheduler.Discovery,
		Due:       a.cfg.Scheduler.Due,
		Expiry:    a.cfg.Scheduler.Expiry,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Scheduler.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.workLoop(runCtx)
		}()
	}
	sched.Start()

	var sub *inbound.Subscriber
	if a.cfg.Inbound.Enabled {
		conn, err := nats.Connect(a.cfg.Inbound.URL, nats.Name(appName))
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer conn.Close()
		sub = inbound.NewSubscriber(conn, a.engine, inbound.Config{
			Prefix:     a.cfg.Inbound.Prefix,
			QueueGroup: a.cfg.Inbound.QueueGroup,
			Logger:     a.logger,
		})
		if err := sub.Start(); err != nil {
			cancel()
			wg.Wait()
			return err
		}
	}

	var srv *http.Server
	if mux := a.httpMux(); mux != nil {
		srv = &http.Server{Addr: a.cfg.Tracking.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http_server_failed", slog.Any("error", err))
				cancel()
			}
		}()
		a.logger.Info("http_listening", slog.String("addr", a.cfg.Tracking.Listen))
	}

	a.logger.Info("stepflow_started", slog.Int("workers", a.cfg.Scheduler.Workers))
	<-runCtx.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if sub != nil {
		sub.Stop()
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler_stop_timeout", slog.Any("error", err))
	}
	wg.Wait()
	a.logger.Info("stepflow_stopped")
	return nil
}

func (a *App) workLoop(ctx context.Context) {
	for {
		_, err := a.worker.ProcessOne(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		a.logger.Warn("task_error", slog.Any("error", err))
	}
}

// httpMux returns nil when neither tracking nor metrics is enabled.
func (a *App) httpMux() *http.ServeMux {
	if !a.cfg.Tracking.Enabled && !a.cfg.Metrics.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	if a.cfg.Tracking.Enabled {
		tracking.NewHandler(tracking.Options{
			Signer:   a.signer,
			Links:    a.links,
			Recorder: a.engine,
			Logger:   a.logger,
		}).Register(mux)
	}
	if a.cfg.Metrics.Enabled {
		mux.Handle("GET "+a.cfg.Metrics.Path, metrics.Handler(a.registry))
	}
	return mux
}

// Close releases every connection opened by NewApp.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.mongo != nil {
		_ = a.mongo.Disconnect(ctx)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.recordsDB != nil {
		_ = a.recordsDB.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// logTransport stands in for a real mail gateway: it logs each message and
// returns a local message id.
type logTransport struct {
	logger *slog.Logger
	mu     sync.Mutex
	seq    int
}

func (t *logTransport) Send(ctx context.Context, msg api.OutgoingMail) (string, error) {
	t.mu.Lock()
	t.seq++
	id := fmt.Sprintf("<%d.%s@stepflow.local>", t.seq, msg.InstanceID)
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "mail_sent",
		slog.String("instance_id", msg.InstanceID),
		slog.String("to", msg.Recipient),
		slog.String("subject", msg.Subject),
		slog.String("message_id", id),
	)
	return id, nil
}
