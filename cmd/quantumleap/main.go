// Command quantumleap runs the trading coordination service: transaction
// manager, event bus, coordinator, emergency stop system, and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/config"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/coordinator"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/emergency"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/events"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/gateway"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/locks"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/retry"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/server"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/storage"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/txmanager"
	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/validation"
	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	store := storage.NewStore(db, log)
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	audit, err := txmanager.NewFileAuditLogger(cfg.Audit.Path, log)
	if err != nil {
		return err
	}
	defer audit.Close()

	lockTable := locks.NewTable(cfg.Transaction.LockTimeout, nil, log)
	validator := validation.NewEngine(store, log)
	bus := events.NewBus(cfg.Bus, log)
	txm := txmanager.NewManager(store, lockTable, validator, bus, audit, cfg.Transaction, log)

	broker := gateway.NewSimulated(cfg.Broker, log)
	retrier := retry.New(cfg.Retry, log)
	stopper := emergency.NewStopper(txm, store, broker, broker, bus, cfg.Emergency, log)

	coord := coordinator.New(store, txm, retrier, stopper, broker, log)
	coord.Register(bus)
	bus.SetAlertSink(coordinator.NewAlertWriter(store, log))

	if cfg.Kafka.Enabled {
		mirror := events.NewKafkaMirror(cfg.Kafka, log)
		defer mirror.Close()
		bus.SetMirror(mirror)
	}

	if err := bus.EnsureSubscribed(events.AllKinds()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild view: %w", err)
	}

	bus.Start(ctx)
	defer bus.Stop()

	srv := server.New(cfg.Server, txm, stopper, coord, bus, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info("quantumleap coordination core started")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	}
}
