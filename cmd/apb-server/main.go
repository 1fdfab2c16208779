package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/antipassback/internal/actuator"
	"github.com/BrandonDHaskell/antipassback/internal/apb/service"
	"github.com/BrandonDHaskell/antipassback/internal/apb/store"
	"github.com/BrandonDHaskell/antipassback/internal/apb/store/memory"
	sqlitestore "github.com/BrandonDHaskell/antipassback/internal/apb/store/sqlite"
	"github.com/BrandonDHaskell/antipassback/internal/config"
	"github.com/BrandonDHaskell/antipassback/internal/db"
	"github.com/BrandonDHaskell/antipassback/internal/grpcapi"
	"github.com/BrandonDHaskell/antipassback/internal/httpapi"
	"github.com/BrandonDHaskell/antipassback/internal/logging"
	"github.com/BrandonDHaskell/antipassback/internal/metrics"
)

type stores struct {
	locations store.LocationStore
	decisions store.DecisionStore
	terminals store.TerminalStore
	close     func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "apb-server: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "apb-server: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	clk := quartz.NewReal()

	retrier := store.NewRetrier(store.RetryPolicy{
		Attempts:  cfg.StoreRetries,
		OpTimeout: cfg.StoreOpTimeout,
	}, func(err error, wait time.Duration) {
		m.StoreRetry()
		logger.Warn("store operation failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	})

	st, err := openStores(ctx, cfg, retrier, logger)
	if err != nil {
		return err
	}
	defer st.close()

	registry, err := service.NewTerminalRegistry(service.TerminalTable{
		Entry: cfg.EntryTerminals,
		Exit:  cfg.ExitTerminals,
	}, st.terminals, logger)
	if err != nil {
		return err
	}

	// Only the simulated controller ships; vendor SDK drivers plug in here.
	actuators := actuator.NewManager(actuator.NewSimDriver(), logger.Named("actuator"))
	if err := actuators.ConnectAll(ctx, cfg.ActuatedTerminals); err != nil {
		logger.Warn("some actuators are unavailable; their doors will not be driven", zap.Error(err))
	}
	defer actuators.DisconnectAll()

	gate := service.NewDoorGate(actuators, service.DoorGateConfig{
		Workers:      cfg.ActuatorWorkers,
		Queue:        cfg.ActuatorQueue,
		OpenDuration: cfg.DoorOpenDuration,
		Timeout:      cfg.ActuatorTimeout,
	}, clk, logger.Named("door"), m)
	defer gate.Close()

	audit := service.NewAuditWriter(st.decisions, service.AuditConfig{Queue: cfg.AuditQueue}, logger.Named("audit"), m)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := audit.Close(drainCtx); err != nil {
			logger.Error("audit queue not fully drained", zap.Error(err))
		}
	}()

	access := service.NewAccessService(service.AccessDeps{
		Registry:  registry,
		Locations: st.locations,
		Audit:     audit,
		Gate:      gate,
		Clock:     clk,
		Log:       logger.Named("access"),
		Metrics:   m,
	}, service.AccessConfig{
		EntryWindow: cfg.EntryWindow,
		AuthMethods: cfg.AuthMethods,
	})

	hour, minute, err := config.ParseClock(cfg.ResetTime)
	if err != nil {
		return err
	}
	resetter := service.NewResetScheduler(st.locations, audit, service.ResetConfig{
		Hour:     hour,
		Minute:   minute,
		Interval: cfg.ResetPollInterval,
		Location: cfg.Location,
	}, clk, logger.Named("reset"), m)
	resetter.Start(ctx)
	defer resetter.Stop()

	reports := service.NewReportService(st.locations, st.decisions, registry, actuators, clk)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:        logger.Named("http"),
		Addr:          cfg.HTTPAddr,
		AccessService: access,
		Reports:       reports,
		Resetter:      resetter,
		Gatherer:      reg,
		Location:      cfg.Location,

		ResetRateLimit: cfg.ResetRateLimit,
	})

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	health := grpcapi.NewServer(st.locations, cfg.HealthInterval, clk, logger.Named("grpc"))
	health.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
		if err := health.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		health.Stop()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("apb server started",
		zap.String("env", cfg.Env),
		zap.String("store", cfg.Store),
		zap.Int("entry_terminals", len(cfg.EntryTerminals)),
		zap.Int("exit_terminals", len(cfg.ExitTerminals)),
		zap.Strings("actuated", actuators.Connected()),
		zap.Duration("entry_window", cfg.EntryWindow),
		zap.String("reset_time", cfg.ResetTime))

	return g.Wait()
}

func openStores(ctx context.Context, cfg config.Config, retrier *store.Retrier, logger *zap.Logger) (stores, error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store; state is lost on restart")
		return stores{
			locations: memory.NewLocationStore(),
			decisions: memory.NewDecisionStore(),
			terminals: memory.NewTerminalStore(),
			close:     func() {},
		}, nil
	}

	conn, applied, err := db.Open(ctx, db.Config{Path: cfg.DBPath})
	if err != nil {
		return stores{}, err
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}
	writer := db.NewWorker(conn)

	return stores{
		locations: sqlitestore.NewLocationStore(conn, writer, retrier),
		decisions: sqlitestore.NewDecisionStore(conn, writer),
		terminals: sqlitestore.NewTerminalStore(conn, writer),
		close: func() {
			writer.Close()
			closeDB(conn, logger)
		},
	}, nil
}

func closeDB(conn *sql.DB, logger *zap.Logger) {
	if err := conn.Close(); err != nil {
		logger.Warn("db close", zap.Error(err))
	}
}
