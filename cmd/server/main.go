// Command server wires and runs the Runner Orchestration Engine: the
// Allocation/Readiness/Termination pipelines, the Pool Controller and Expiry
// Reaper background jobs, and the HTTP/WebSocket transport. Flag and signal
// handling follow the pack's own application entry point.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/runnerforge/engine/allocator"
	"github.com/runnerforge/engine/clouddriver"
	"github.com/runnerforge/engine/clouddriver/awsdriver"
	"github.com/runnerforge/engine/eventbus"
	"github.com/runnerforge/engine/internal/config"
	"github.com/runnerforge/engine/internal/cryptoutil"
	"github.com/runnerforge/engine/internal/logging"
	"github.com/runnerforge/engine/internal/metrics"
	"github.com/runnerforge/engine/internal/resilience"
	"github.com/runnerforge/engine/internal/system"
	"github.com/runnerforge/engine/keyregistry"
	"github.com/runnerforge/engine/pipeline"
	"github.com/runnerforge/engine/pkg/version"
	"github.com/runnerforge/engine/poolcontroller"
	"github.com/runnerforge/engine/reaper"
	"github.com/runnerforge/engine/secgroup"
	"github.com/runnerforge/engine/storage/postgres"
	httptransport "github.com/runnerforge/engine/transport/http"
	"github.com/runnerforge/engine/transport/ws"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config SERVER_HOST:SERVER_PORT)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("runnerforge-engine", cfg.Logging.Level, cfg.Logging.Format)
	logger.Infof("starting %s", version.FullVersion())

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	configurePool(db, cfg)

	if *runMigrations {
		if err := postgres.Migrate(db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}
	store := postgres.New(db)

	cipher, err := cryptoutil.New(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("init cipher: %v", err)
	}

	registry := clouddriver.NewRegistry()
	registry.Register("aws", awsdriver.New)

	connector, err := store.GetCloudConnector(context.Background(), cfg.Runner.PrimaryCloudConnectorID)
	if err != nil {
		log.Fatalf("load primary cloud connector %q: %v", cfg.Runner.PrimaryCloudConnectorID, err)
	}
	accessKey, err := cipher.Decrypt(connector.EncryptedAccessKey)
	if err != nil {
		log.Fatalf("decrypt access key: %v", err)
	}
	secretKey, err := cipher.Decrypt(connector.EncryptedSecretKey)
	if err != nil {
		log.Fatalf("decrypt secret key: %v", err)
	}
	primaryDriver, err := registry.Build(connector.Provider, connector.Region, accessKey, secretKey)
	if err != nil {
		log.Fatalf("build primary cloud driver: %v", err)
	}

	m := metrics.New("runnerforge-engine")
	bus := newEventBus(cfg, logger)
	keys := keyregistry.New(store, primaryDriver, cipher, cfg.Runner.KeyTag, logger)
	secGroups := secgroup.New(store, primaryDriver, logger)

	breaker := resilience.NewCloudDriverBreaker(logger)

	deps := &pipeline.Dependencies{
		Store:                 store,
		Drivers:               registry,
		Cipher:                cipher,
		Keys:                  keys,
		SecGroups:             secGroups,
		Bus:                   bus,
		Metrics:               m,
		Logger:                logger,
		Breaker:               breaker,
		MetricsPushgatewayURL: cfg.Metrics.PushgatewayURL,
	}

	termination := pipeline.NewTermination(deps)
	readiness := pipeline.NewReadiness(deps, termination.Run)

	maxSessionMinutes := int(cfg.Runner.MaxRunnerLifetime / time.Minute)
	alloc := allocator.New(deps, readiness, termination, maxSessionMinutes, cfg.Runner.ColdLaunchTimeout)

	pool := poolcontroller.New(store, alloc, termination, logger, cfg.Runner.PoolReconcileInterval, cfg.Runner.IdlePoolMinutes)
	exp := reaper.New(store, termination, logger, cfg.Runner.ReaperInterval)
	background := []system.Service{pool, exp}

	logger.Infof("background services: %s", system.Summarize(system.CollectDescriptors([]system.DescriptorProvider{pool, exp})))

	rootCtx, stopBackground := context.WithCancel(context.Background())
	if err := system.StartAll(rootCtx, background); err != nil {
		log.Fatalf("start background services: %v", err)
	}

	terminalSecret := strings.TrimSpace(cfg.Security.TerminalTokenSecret)
	if terminalSecret == "" {
		terminalSecret = cfg.Security.EncryptionKey
	}
	httpServer := httptransport.New(store, alloc, termination, m, logger, []byte(terminalSecret))
	wsHandler := ws.New(bus, store, logger)
	httpServer.Router.Get("/api/v1/events/{token}", wsHandler.ServeHTTP)

	listenAddr := determineAddr(*addr, cfg)
	srv := &http.Server{Addr: listenAddr, Handler: httpServer.Router}

	go func() {
		logger.Infof("runner orchestration engine listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := system.StopAll(shutdownCtx, background); err != nil && logger != nil {
		logger.WithError(err).Warn("background services: stop had failures")
	}
	stopBackground()
	alloc.Wait()
}

// newEventBus builds a single-process Event Bus, or one fanning events out
// over Redis Pub/Sub when EVENTS_REDIS_URL is set, so subscribers landing on
// a different engine process than the one driving the pipeline still see
// the stream.
func newEventBus(cfg *config.Config, logger *logging.Logger) *eventbus.Bus {
	if strings.TrimSpace(cfg.Events.RedisURL) == "" {
		return eventbus.New(logger)
	}
	opts, err := redis.ParseURL(cfg.Events.RedisURL)
	if err != nil {
		log.Fatalf("parse EVENTS_REDIS_URL: %v", err)
	}
	return eventbus.NewWithRedis(logger, redis.NewClient(opts))
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.Database.PoolSize + cfg.Database.MaxOverflow)
	}
	if cfg.Database.PoolSize > 0 {
		db.SetMaxIdleConns(cfg.Database.PoolSize)
	}
	if cfg.Database.PoolRecycle > 0 {
		db.SetConnMaxLifetime(cfg.Database.PoolRecycle)
	}
}
