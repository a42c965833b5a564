package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"CrashRace/internal/balance"
	"CrashRace/internal/config"
	"CrashRace/internal/ingestion"
	"CrashRace/internal/leaderboard"
	"CrashRace/internal/observability"
	"CrashRace/internal/persistence"
	"CrashRace/internal/query"
	"CrashRace/internal/race"
	"CrashRace/internal/server"
	"CrashRace/internal/session"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: CrashRace starting...")

	cfg := config.Load()
	level := observability.ParseLogLevel(cfg.LogLevel)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, component, level)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Worker plumbing ---
	errChan := make(chan error, 8)
	var workers sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// --- Postgres ---
	// An unreachable database degrades the service instead of stopping it:
	// the cache keeps accepting sessions and flushes retry until it returns.
	db, err := persistence.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer db.Close()

	store := persistence.NewStore(db, 500)
	healthChecker.AddCheck("postgres", store.Ping)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		log.Printf("WARN: Postgres unreachable (%v), continuing degraded", err)
	} else {
		log.Println("INFO: Postgres connected")
	}
	pingCancel()

	var schemaReady atomic.Bool
	healthChecker.AddCheck("schema", func(context.Context) error {
		if !schemaReady.Load() {
			return errors.New("migrations not applied")
		}
		return nil
	})
	migrator := persistence.NewMigrator(db, persistence.Migrations())
	migrateCtx, migrateCancel := context.WithTimeout(ctx, 10*time.Second)
	err = migrator.Up(migrateCtx)
	migrateCancel()
	if err == nil {
		schemaReady.Store(true)
		log.Println("INFO: migrations applied")
	} else {
		log.Printf("WARN: run migrations: %v (retrying in background)", err)
		run("migrations", func(ctx context.Context) error {
			if err := migrator.UpWithRetry(ctx, 5*time.Second, newLogger("migrations")); err != nil {
				return err
			}
			schemaReady.Store(true)
			log.Println("INFO: migrations applied")
			return nil
		})
	}

	// --- NATS (optional) ---
	var (
		js        jetstream.JetStream
		creditor  race.PrizeCreditor = balance.NewLogCreditor(newLogger("balance"))
		notifier  race.Notifier
		publisher *ingestion.RaceEventPublisher
	)
	if cfg.NATSURL == "" {
		log.Println("WARN: CRASH_NATS_URL empty, NATS ingestion and credits disabled (prizes are logged only)")
	} else if backend := connectNATS(ctx, cfg.NATSURL, newLogger("nats")); backend != nil {
		defer backend.nc.Close()
		js = backend.js
		nc := backend.nc
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})

		creditor = balance.NewJetStreamCreditor(js, newLogger("balance"))
		publisher = ingestion.NewRaceEventPublisher(js, 256, metrics, newLogger("race-events"))
		notifier = publisher
	} else {
		log.Println("WARN: NATS unavailable, running HTTP-only ingestion with logged prize credits")
	}

	// --- Core components ---
	cache := session.NewCache(cfg.SessionConfig(), store, metrics, newLogger("session-cache"))
	engine := leaderboard.NewEngine(cache, cfg.ContributionRate)
	scheduler := race.NewScheduler(cfg.RaceConfig(), store, cache, engine, creditor, notifier, metrics, newLogger("race-scheduler"))

	// --- Recovery ---
	// Store failures inside Recover are retried by the scheduler loop.
	if err := scheduler.Recover(ctx); err != nil {
		log.Printf("WARN: race recovery: %v", err)
	}
	if cur, ok := scheduler.CurrentRace(); ok {
		log.Printf("INFO: current race %s ends at %s", cur.RaceID, cur.EndTime.Format(time.RFC3339))
	}

	// --- Servers ---
	queryService := query.NewService(scheduler, store, cache, engine)
	httpServer, err := server.NewHTTPServer(cfg.HTTPAddr, server.HTTPDeps{
		Query:    queryService,
		Ingester: cache,
		Health:   healthChecker,
		Metrics:  metrics,
		Logger:   newLogger("http"),
	})
	if err != nil {
		log.Fatalf("FATAL: http server: %v", err)
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, healthChecker, newLogger("grpc"))

	// --- Start goroutines ---
	// 1. Session cache flush + retention
	run("session cache", cache.Run)
	// 2. Race scheduler
	run("race scheduler", scheduler.Run)
	// 3. Outbound race events
	if publisher != nil {
		run("race event publisher", publisher.Run)
	}
	// 4. gRPC health
	run("grpc server", grpcServer.Start)
	// 5. HTTP/JSON API
	run("http server", httpServer.Start)
	// 6. Prometheus metrics
	run("metrics server", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr)
	})

	// 7. NATS session ingestion, last so the cache is already draining
	var subscriber *ingestion.SessionSubscriber
	if js != nil {
		subscriber = ingestion.NewSessionSubscriber(js, cache, metrics, newLogger("ingestion"))
		if err := subscriber.Subscribe(ctx); err != nil {
			log.Printf("WARN: nats subscribe: %v, sessions accepted over HTTP only", err)
			subscriber = nil
		}
	}

	healthChecker.SetReady(true)
	log.Printf("INFO: CrashRace ready (http=%s, grpc=%s, metrics=%s)", cfg.HTTPAddr, cfg.GRPCAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop intake first so the final flush sees every accepted session.
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(45 * time.Second):
		log.Println("WARN: shutdown timed out waiting for workers")
	}

	stats := cache.Stats()
	log.Printf("INFO: CrashRace shutdown complete (flushed=%d, dropped=%d, pending=%d)",
		stats.FlushedTotal, stats.DroppedTotal, stats.PendingFlush)
}

// natsBackend is the JetStream wiring used when NATS is reachable.
type natsBackend struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// connectNATS dials NATS and declares every stream the service uses. Any
// failure is logged and yields nil, leaving the caller on HTTP ingestion
// and logged prize credits.
func connectNATS(ctx context.Context, url string, logger zerolog.Logger) *natsBackend {
	nc, js, err := ingestion.ConnectNATS(url, logger)
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("NATS connect failed")
		return nil
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ingestion.EnsureStreams(streamCtx, js, logger); err != nil {
		logger.Warn().Err(err).Msg("ensure session streams failed")
		nc.Close()
		return nil
	}
	if err := balance.EnsureStream(streamCtx, js); err != nil {
		logger.Warn().Err(err).Msg("ensure credit stream failed")
		nc.Close()
		return nil
	}

	logger.Info().Str("url", url).Msg("NATS connected")
	return &natsBackend{nc: nc, js: js}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("INFO: Metrics server listening on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
