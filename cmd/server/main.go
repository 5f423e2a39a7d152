package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"idgraph/internal/aggregate"
	"idgraph/internal/commands"
	"idgraph/internal/events"
	"idgraph/internal/handler"
	identityservice "idgraph/internal/identity/service"
	"idgraph/internal/inbox"
	"idgraph/internal/outbox"
	"idgraph/internal/platform/config"
	"idgraph/internal/platform/httpserver"
	"idgraph/internal/platform/kafka"
	"idgraph/internal/platform/logger"
	"idgraph/internal/platform/metrics"
	"idgraph/internal/platform/redis"
	"idgraph/internal/projection/graph"
	"idgraph/internal/reactor"
	relservice "idgraph/internal/relationship/service"
	"idgraph/internal/scheduler"
	"idgraph/internal/store"
	wfservice "idgraph/internal/workflow/service"
	"idgraph/pkg/platform/circuit"
)

// main wires the engine and its optional transports. Redis, Postgres, Kafka
// and Neo4j are each enabled by their config section; with none set the
// engine runs fully in memory behind the query API.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("idgraph stopped", "error", err)
		os.Exit(1)
	}
	log.Info("idgraph stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.New()
	level, err := cfg.Engine.Activation()
	if err != nil {
		return err
	}

	st := store.New()
	gate := aggregate.New(st,
		aggregate.WithLogger(log),
		aggregate.WithMetrics(m),
		aggregate.WithRetry(cfg.Engine.GateAttempts, cfg.Engine.GateBackoff),
		aggregate.WithHopCap(cfg.Engine.HopCap),
	)
	identities := identityservice.New(gate, st,
		identityservice.WithLogger(log),
		identityservice.WithActivationLevel(level),
	)
	relationships := relservice.New(gate, st,
		relservice.WithLogger(log),
		relservice.WithDefaultDepth(cfg.Engine.TraversalDepth),
		relservice.WithSearchLimit(cfg.Engine.SearchLimit),
	)
	workflows := wfservice.New(gate, st,
		wfservice.WithLogger(log),
		wfservice.WithMaxRetries(cfg.Engine.MaxRetries),
	)
	dispatcher := commands.NewDispatcher(identities, relationships, workflows, cfg.Engine.HopCap)

	var (
		workers    []func(context.Context) error
		closers    []func()
		publishers []reactor.Publisher
		checks     []handler.Option
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	ledger, err := newLedger(ctx, cfg)
	if err != nil {
		return err
	}
	if ledger.client != nil {
		closers = append(closers, func() { _ = ledger.client.Close() })
		checks = append(checks, handler.WithHealthCheck("redis", ledger.client.Health))
	}

	var producer *kafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		if err := kafka.EnsureTopics(ctx, cfg.Kafka); err != nil {
			return err
		}
		if producer, err = kafka.NewProducer(cfg.Kafka, log); err != nil {
			return err
		}
		closers = append(closers, producer.Close)
	}

	if cfg.Postgres.DSN != "" {
		db, err := openPostgres(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = db.Close() })
		checks = append(checks, handler.WithHealthCheck("postgres", db.PingContext))

		outboxStore := outbox.NewPostgresStore(db)
		if err := outboxStore.Migrate(ctx); err != nil {
			return err
		}
		publishers = append(publishers, outboxStore)
		if producer != nil {
			relay := outbox.NewRelay(outboxStore, producer,
				outbox.WithInterval(cfg.Postgres.RelayInterval),
				outbox.WithBatch(cfg.Postgres.RelayBatch),
				outbox.WithLogger(log),
				outbox.WithMetrics(m),
			)
			workers = append(workers, relay.Run)
		}
	} else if producer != nil {
		publishers = append(publishers, producer)
	}

	if cfg.Neo4j.URI != "" {
		client, err := graph.NewNeo4jClient(ctx, cfg.Neo4j)
		if err != nil {
			return err
		}
		closers = append(closers, func() { _ = client.Close(context.Background()) })
		checks = append(checks, handler.WithHealthCheck("neo4j", client.VerifyConnectivity))
		breaker := circuit.New("neo4j", circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second))
		publishers = append(publishers, reactor.NewGuarded(graph.NewProjection(client, log), breaker, log))
	}

	reactors := []scheduler.Reactor{
		reactor.VerificationGrant{},
		reactor.NewActivation(st, level, cfg.Engine.HopCap),
		reactor.Revalidation{},
	}
	if len(publishers) > 0 {
		reactors = append(reactors, reactor.NewOutbound(log, publishers...))
	}
	sched := scheduler.New(dispatcher, st,
		scheduler.WithLogger(log),
		scheduler.WithMetrics(m),
		scheduler.WithWorkers(cfg.Engine.Workers),
		scheduler.WithSweeps(relationships, workflows),
		scheduler.WithValidateEvery(cfg.Engine.ValidateEvery),
		scheduler.WithReactors(reactors...),
	)
	workers = append(workers, func(ctx context.Context) error {
		return sched.Run(ctx, cfg.Engine.TickInterval)
	})

	if len(cfg.Kafka.Brokers) > 0 {
		in := inbox.New(ledger.ledger, sched, inbox.WithLogger(log), inbox.WithMetrics(m))
		consumer, err := kafka.NewConsumer(cfg.Kafka, func(ctx context.Context, messageID string, body []byte) error {
			return in.Receive(ctx, inbox.Message{ID: messageID, Body: body})
		}, log, kafka.WithFlush(in.Flush))
		if err != nil {
			return err
		}
		closers = append(closers, consumer.Close)
		workers = append(workers, consumer.Run)
	}

	api := handler.New(identities, gate, relationships, workflows, append(checks, handler.WithLogger(log))...)
	srv := httpserver.New(cfg.Server.Addr, api.Router())

	g, gctx := errgroup.WithContext(ctx)
	for _, work := range workers {
		g.Go(func() error {
			if err := work(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		log.Info("starting idgraph", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

type dedupe struct {
	ledger inbox.Ledger
	client *redis.Client
}

// newLedger picks the Redis ledger when configured so duplicates are caught
// across restarts and replicas; otherwise duplicates are tracked in memory.
func newLedger(ctx context.Context, cfg config.Config) (dedupe, error) {
	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return dedupe{}, err
	}
	if client == nil {
		return dedupe{ledger: events.NewMemoryLedger(cfg.Engine.DedupeTTL)}, nil
	}
	return dedupe{ledger: events.NewRedisLedger(client.Client, cfg.Engine.DedupeTTL), client: client}, nil
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
