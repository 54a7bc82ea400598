// Command infobridge bridges sykmelding events into the legacy Infotrygd
// registry. It consumes inbound records from Kafka, orchestrates the
// query/update round trip against Infotrygd, and serves an inspection API
// over the processing and dead letter stores.
//
// Usage:
//
//	infobridge [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/helsebro/infobridge/internal/config"
	"github.com/helsebro/infobridge/internal/dlq"
	"github.com/helsebro/infobridge/internal/docstore"
	"github.com/helsebro/infobridge/internal/gateway"
	"github.com/helsebro/infobridge/internal/metrics"
	"github.com/helsebro/infobridge/internal/oppgave"
	"github.com/helsebro/infobridge/internal/orchestrator"
	"github.com/helsebro/infobridge/internal/registry"
	"github.com/helsebro/infobridge/internal/retry"
	"github.com/helsebro/infobridge/internal/state"
	"github.com/helsebro/infobridge/internal/sykmelding"
	transphttp "github.com/helsebro/infobridge/internal/transport/http"
)

// devQueryReply is the canned Infotrygd answer used in dev mode so a full
// case round trip works without any broker.
const devQueryReply = `<InfotrygdForesp>
  <tkNummer>0315</tkNummer>
  <sMhistorikk>
    <sykmelding><periode><arbufoerFOM>2025-01-15</arbufoerFOM></periode></sykmelding>
  </sMhistorikk>
</InfotrygdForesp>`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "infobridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Best-effort .env for local runs; env vars then feed config.Load.
	_ = godotenv.Load()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("infobridge starting",
		"mode", string(cfg.Mode),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	metricsReg := &metrics.Registry{}

	// rootCtx cancels every background loop on shutdown.
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func()

	// ── 3. Stores and outbound gateway, per mode ─────────────────────────────
	var (
		states  state.Store
		dead    dlq.Store
		docs    docstore.Store
		gw      gateway.Gateway
		persons registry.PersonClient
		hpr     registry.HPRClient
		norg    registry.NorgClient
		tss     registry.TSSClient
		work    sykmelding.WorkItemProducer
	)

	devGW := &gateway.MockGateway{
		ReplyPayload: []byte(devQueryReply),
		Delay:        200 * time.Millisecond,
	}

	if cfg.Mode == config.ModeDev {
		// Everything in memory; queries answer themselves with a canned
		// reply wired up after the orchestrator exists.
		states = state.NewMemStore()
		dead = dlq.NewMemStore()
		docs = docstore.NewMemStore()
		gw = devGW
		persons = &registry.MockPersonClient{}
		hpr = &registry.MockHPRClient{}
		norg = &registry.MockNorgClient{}
		tss = &registry.MockTSSClient{}
		work = &oppgave.MemProducer{}
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(rootCtx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		states = state.NewRedisStore(rdb, cfg.StateTTL())
		dead = dlq.NewRedisStore(rdb, cfg.DLQTTL())

		gcs, err := gstorage.NewClient(rootCtx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		closers = append(closers, func() { _ = gcs.Close() })
		docs = docstore.NewGCSStore(gcs, cfg.Bucket.Name)

		kgw := gateway.NewKafkaGateway(cfg.Kafka.Brokers,
			cfg.Kafka.Topics.Query, cfg.Kafka.Topics.Update, cfg.Kafka.Topics.Reply, logger)
		closers = append(closers, func() { _ = kgw.Close() })
		gw = kgw

		persons = registry.NewHTTPPersonClient(cfg.Registry.PersonURL)
		hpr = registry.NewHTTPHPRClient(cfg.Registry.HPRURL)
		norg = registry.NewHTTPNorgClient(cfg.Registry.NorgURL)
		tss = registry.NewHTTPTSSClient(cfg.Registry.TSSURL)

		prod := oppgave.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.Oppgave, logger)
		closers = append(closers, func() { _ = prod.Close() })
		work = prod
	}

	// ── 4. Case orchestrator ─────────────────────────────────────────────────
	orch := orchestrator.New(orchestrator.Deps{
		States:      states,
		DeadLetters: dead,
		Gateway:     gw,
		Health:      orchestrator.NewDocSource(docs),
		Persons:     persons,
		HPR:         hpr,
		Norg:        norg,
		TSS:         tss,
		Metrics:     metricsReg,
		Log:         logger,
		MaxRetries:  cfg.Retry.MaxRetries,
	})
	devGW.Handler = orch.HandleQueryResponse

	// ── 5. Inbound consumers (prod only) ─────────────────────────────────────
	svc := sykmelding.NewService(orch, work, persons, logger)
	if cfg.Mode == config.ModeProd {
		listener := gateway.NewReplyListener(cfg.Kafka.Brokers, cfg.Kafka.Topics.Reply,
			cfg.Kafka.GroupID, orch.HandleQueryResponse, metricsReg, logger)
		go listener.Run(rootCtx)

		cons := sykmelding.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.Sykmelding,
			cfg.Kafka.GroupID, svc, metricsReg, logger)
		go cons.Run(rootCtx)

		// Readers close before the writers registered above, so in-flight
		// handlers can still send.
		closers = append([]func(){
			func() { _ = cons.Close() },
			func() { _ = listener.Close() },
		}, closers...)
	}

	// ── 6. Retry sweep ───────────────────────────────────────────────────────
	sweeper := retry.New(states, dead, orch, retry.Config{
		Interval:     cfg.SweepInterval(),
		InitialDelay: cfg.InitialDelay(),
		StuckAfter:   cfg.StuckAfter(),
		Backoff:      cfg.BackoffSteps(),
		MaxRetries:   cfg.Retry.MaxRetries,
	}, logger)
	sweeper.Start(rootCtx)

	// ── 7. Inspection API ────────────────────────────────────────────────────
	srv := transphttp.New(states, dead, sweeper, cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("infobridge ready", "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	cancel()
	sweeper.Stop()

	// Give in-flight requests 5 seconds to complete.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	for _, c := range closers {
		c()
	}

	slog.Info("infobridge stopped")
	return nil
}
