package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tabletop-sync/internal/auth"
	"github.com/DoyleJ11/tabletop-sync/internal/config"
	"github.com/DoyleJ11/tabletop-sync/internal/httpapi"
	"github.com/DoyleJ11/tabletop-sync/internal/hub"
	"github.com/DoyleJ11/tabletop-sync/internal/lease"
	"github.com/DoyleJ11/tabletop-sync/internal/logging"
	"github.com/DoyleJ11/tabletop-sync/internal/persist"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		repo    hub.Repository
		backend lease.Backend
		records lease.RecordStore
	)
	switch cfg.DBDriver {
	case config.DriverMemory:
		repo, backend, records = persist.NewMemoryBoards(), lease.NewMemoryBackend(), lease.NewMemoryRecords()
		log.Warn("using in-memory storage; boards are lost on restart")
	default:
		db, err := persist.Open(cfg.DBDriver, cfg.DBDSN, log)
		if err != nil {
			return err
		}
		defer func() { _ = persist.Close(db) }()
		repo, backend, records = persist.NewBoards(db), persist.NewLeases(db), persist.NewRecords(db)
	}

	h := hub.NewHub(ctx, repo, log)
	leases := lease.NewManager(backend, records, lease.Config{
		TTL:          cfg.LeaseTTL,
		GMOnlyFields: cfg.GMOnlyFields,
	}, log)

	handler := httpapi.SetupRoutes(httpapi.Deps{
		Hub:          h,
		Leases:       leases,
		Auth:         auth.New([]byte(cfg.JWTSecret), cfg.GMPassphraseHash),
		Log:          log,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("db", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		h.Shutdown()
		return err
	})
	return g.Wait()
}
