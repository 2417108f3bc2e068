package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feriteja/naskah/config"
	"github.com/feriteja/naskah/config/database"
	docHandler "github.com/feriteja/naskah/internal/document"
	"github.com/feriteja/naskah/internal/document/repository"
	"github.com/feriteja/naskah/internal/document/repository/memory"
	"github.com/feriteja/naskah/internal/document/service"
	"github.com/feriteja/naskah/pkg/logger"
	"github.com/feriteja/naskah/router"
	"github.com/feriteja/naskah/socket"
)

type documentStore interface {
	repository.Store
	repository.Users
}

func openStore(cfg *config.Config) (documentStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		db, err := memory.New()
		if err != nil {
			return nil, nil, err
		}
		logger.Sugar.Warn("Using the in-memory store; documents are lost on restart")
		return db, func() {}, nil
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return repository.NewDocumentRepository(db), func() { db.Close() }, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info")
		logger.Sugar.Fatalf("Invalid configuration: %v", err)
	}
	logger.Init(cfg.LogLevel)
	defer logger.Log.Sync()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Sugar.Fatalf("Could not open %s store: %v", cfg.Store, err)
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := socket.NewHub()
	docService := service.NewDocumentService(store, store, hub, service.Options{
		LockTTL:     cfg.LockTTL,
		MaxAttempts: cfg.MaxWriteAttempts,
	})
	hub.Sessions = docService
	go hub.Run(ctx)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.Setup(docHandler.NewDocumentHandler(docService), hub, cfg.JWTSecret, cfg.AllowedOrigin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Sugar.Infof("Go Backend listening on %s (lock TTL %s)", cfg.HTTPAddr, cfg.LockTTL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Sugar.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Errorf("Graceful shutdown failed: %v", err)
	}
}
