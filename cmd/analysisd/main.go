package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/inkworks/novelwatch/internal/analysisd"
	"github.com/inkworks/novelwatch/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	var store analysisd.Store
	if cfg.DatabaseURL != "" {
		pg, err := analysisd.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres store init failed: %v", err)
		}
		store = pg
		log.Printf("task store: postgres")
	} else {
		store = analysisd.NewMemoryStore()
		log.Printf("task store: in-memory")
	}
	defer store.Close()

	hub := analysisd.NewHub()
	runner := analysisd.NewRunner(store, hub, analysisd.RunnerConfig{
		ChapterInterval: cfg.ChapterInterval,
	})
	server := analysisd.NewServer(analysisd.ServerConfig{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
	}, store, runner, hub)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("analysisd listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
