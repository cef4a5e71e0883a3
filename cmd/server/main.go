package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"careverify/internal/evv/aggregator"
	"careverify/internal/evv/auth"
	"careverify/internal/evv/conflict"
	"careverify/internal/evv/handler"
	"careverify/internal/evv/idempotency"
	"careverify/internal/evv/metrics"
	"careverify/internal/evv/ports"
	"careverify/internal/evv/providers"
	"careverify/internal/evv/record"
	"careverify/internal/evv/store"
	"careverify/internal/evv/syncqueue"
	"careverify/internal/evv/verification"
	"careverify/internal/platform/config"
	"careverify/internal/platform/httpserver"
	"careverify/internal/platform/logger"
	platformredis "careverify/internal/platform/redis"
	"careverify/internal/token"
)

const shutdownTimeout = 10 * time.Second

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal/evv packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backends, cleanup, err := buildBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	aggClient := aggregator.NewHTTPClient(cfg.AggregatorEndpoints)
	router, err := aggregator.NewRouter(backends.configs, aggClient, backends.corrections,
		aggregator.WithLogger(log), aggregator.WithMetrics(m))
	if err != nil {
		return err
	}

	// TODO: replace the in-memory providers with the scheduling system's
	// visit and caregiver lookups once its API is available.
	service, err := record.NewService(record.Deps{
		Records:     backends.records,
		Entries:     backends.entries,
		Fences:      backends.fences,
		Queue:       backends.queue,
		Conflicts:   backends.conflicts,
		Idempotency: backends.idempotency,
		Visits:      providers.NewMemoryVisitProvider(),
		Clients:     providers.NewMemoryClientProvider(),
		Caregivers:  providers.NewMemoryCaregiverProvider(),
		Permissions: auth.NewRolePermissionService(),
		Router:      router,
		Engine:      verification.New(verification.DefaultConfig()),
	},
		record.WithLogger(log),
		record.WithMetrics(m),
		record.WithDefaultMaxRetries(cfg.Sync.DefaultMaxRetries),
	)
	if err != nil {
		return err
	}

	manager := syncqueue.NewManager(ctx, backends.queue, service, syncqueue.Config{
		BaseBackoff:       cfg.Sync.BaseBackoff,
		MaxBackoff:        cfg.Sync.MaxBackoff,
		PollInterval:      cfg.Sync.PollInterval,
		DefaultMaxRetries: cfg.Sync.DefaultMaxRetries,
	}, log, m)

	tokens := token.NewJWTService(cfg.JWTSigningKey, "careverify", "evv-api")

	mux := chi.NewRouter()
	mux.Use(chimiddleware.RequestID)
	mux.Use(chimiddleware.RealIP)
	mux.Use(chimiddleware.Recoverer)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/healthz", healthz(backends))
	handler.New(service, backends.queue, manager, tokens, log).Register(mux)

	srv := httpserver.New(cfg.Addr, mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting evv server", "addr", cfg.Addr, "backend", backends.kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return manager.Wait()
	})
	return g.Wait()
}

// backendSet groups every persistence dependency so run stays readable no
// matter which backend is selected.
type backendSet struct {
	kind        string
	records     ports.RecordStore
	entries     ports.TimeEntryStore
	fences      ports.GeofenceStore
	corrections ports.CorrectionStore
	conflicts   ports.ConflictAuditStore
	configs     ports.AggregatorConfigStore
	queue       ports.SyncQueueStore
	idempotency ports.IdempotencyStore

	db    *sql.DB
	redis *platformredis.Client
}

func buildBackends(ctx context.Context, cfg config.Server, log *slog.Logger) (*backendSet, func(), error) {
	b := &backendSet{kind: "memory"}
	cleanup := func() {
		if b.db != nil {
			b.db.Close()
		}
		if b.redis != nil {
			b.redis.Close()
		}
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, cleanup, err
		}
		b.kind = "postgres"
		b.db = db
		b.records = store.NewPostgresRecordStore(db)
		b.entries = store.NewPostgresTimeEntryStore(db)
		b.fences = store.NewPostgresGeofenceStore(db)
		b.corrections = store.NewPostgresCorrectionStore(db)
		b.conflicts = conflict.NewPostgresAuditStore(db)
		b.configs = aggregator.NewPostgresConfigStore(db)
		b.queue = syncqueue.NewPostgres(db)
	} else {
		log.Warn("EVV_DATABASE_URL not set, using in-memory stores")
		b.records = store.NewMemoryRecordStore()
		b.entries = store.NewMemoryTimeEntryStore()
		b.fences = store.NewMemoryGeofenceStore()
		b.corrections = store.NewMemoryCorrectionStore()
		b.conflicts = conflict.NewInMemoryAuditStore()
		b.configs = aggregator.NewMemoryConfigStore()
		b.queue = syncqueue.NewInMemoryStore()
	}

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, cleanup, err
	}
	if redisClient != nil {
		b.redis = redisClient
		b.idempotency = idempotency.NewRedisStore(redisClient.Client, cfg.AppliedRetention)
	} else {
		b.idempotency = idempotency.NewMemoryStore()
	}

	return b, cleanup, nil
}

func healthz(b *backendSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.db != nil {
			if err := b.db.PingContext(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if b.redis != nil {
			if err := b.redis.Health(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
