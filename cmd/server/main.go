package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/askroom/askroom-backend/internal/config"
	"github.com/askroom/askroom-backend/internal/httpapi"
	"github.com/askroom/askroom-backend/internal/live"
	"github.com/askroom/askroom-backend/internal/mutation"
	"github.com/askroom/askroom-backend/internal/store"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("open store", zap.Error(err))
		}
	} else {
		log.Warn("DATABASE_URL not set, running on in-memory store")
		st = store.NewMemory()
	}

	applier := mutation.NewApplier(st, mutation.Config{
		QuestionMaxLen:  cfg.QuestionMaxLen,
		SubmissionQuota: cfg.SubmissionQuota,
		RetryAttempts:   cfg.StoreRetryAttempts,
		RetryBackoff:    cfg.StoreRetryBackoff,
	}, log.Named("mutation"))

	engine := live.New(ctx, st, applier, live.Config{
		OutboundQueueCap: cfg.OutboundQueueCap,
		RoomGrace:        cfg.RoomGrace,
		SnapshotTimeout:  cfg.SnapshotTimeout,
	}, log.Named("live"))

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.SetupRoutes(engine, st, log),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server", zap.Error(err))
	}
}
