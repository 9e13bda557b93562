package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldledger/microledger/config"
	"github.com/fieldledger/microledger/identity"
	"github.com/fieldledger/microledger/ledger"
	"github.com/fieldledger/microledger/ledger/store"
	"github.com/fieldledger/microledger/logger"
	"github.com/fieldledger/microledger/report"
	"github.com/fieldledger/microledger/store/sqlite"
)

// backend is what both store implementations provide.
type backend interface {
	ledger.TxStore
	ledger.MessageStore
}

// app holds the wired services shared by every subcommand.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    backend
	engine   *ledger.Engine
	reports  *report.Reporter
	identity *identity.Service
	closers  []func() error
}

// cliActor performs the administrative reads made from the command line.
var cliActor = ledger.Actor{StaffID: "cli", Role: ledger.RoleAdmin}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	a := &app{cfg: cfg, log: log, closers: []func() error{func() error { _ = log.Sync(); return nil }}}

	switch cfg.Database.Driver {
	case "memory":
		a.store = store.NewMemory()
		log.Warn("using in-memory store; data is lost on exit")
	default:
		db, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		a.store = db
		a.closers = append(a.closers, db.Close)
		log.Info("database opened", zap.String("path", cfg.Database.Path))
	}

	loc, err := cfg.Ledger.Location()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ledger timezone: %w", err)
	}
	newID := uuid.NewString

	a.engine = ledger.NewEngine(a.store,
		ledger.WithIDGenerator(newID),
		ledger.WithLogger(log.Named("ledger")),
	)
	a.reports = report.NewReporter(a.store,
		report.WithLocation(loc),
		report.WithMessages(a.store),
		report.WithLogger(log.Named("report")),
	)
	a.identity = identity.NewService(a.store, identity.NewTokenService(cfg.Auth),
		identity.WithHasher(identity.NewHasher(cfg.Auth.BcryptCost)),
		identity.WithIDGenerator(newID),
		identity.WithLogger(log.Named("identity")),
	)

	cb, err := a.engine.Bootstrap(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	log.Info("ledger ready", zap.String("cash_balance", cb.Balance.String()))
	return a, nil
}

// seed creates the configured accounts when seeding is enabled.
func (a *app) seed(ctx context.Context) (int, error) {
	if !a.cfg.Seed.Enabled {
		return 0, nil
	}
	return a.identity.Seed(ctx, a.cfg.Seed.Accounts)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
