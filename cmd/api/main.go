package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"collabsync/internal/app"
	"collabsync/internal/config"
	"collabsync/internal/gitrepo"
	"collabsync/internal/search"
	"collabsync/internal/session"
	"collabsync/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnectAttempts: cfg.DBConnectAttempts,
	})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)
	pgfts := search.NewPgFTS(db)
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, pgfts)
	go searchService.Reindex(ctx, pgfts.LoadAllRecords)

	var rooms session.RoomStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for relay rooms")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		rooms = redisStore
	} else {
		log.Printf("Using in-memory relay rooms (single instance)")
		rooms = session.NewMemoryStore()
	}
	defer rooms.Close()

	service := app.New(cfg, dataStore, gitService, searchService)
	hub := app.NewHub(service, rooms, app.HubConfig{
		WriteTimeout: cfg.RelayWriteTimeout,
		SendBuffer:   cfg.RelaySendBuffer,
	})

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	// Relay connections keep their own read and write deadlines.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("collabsync listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	hub.Close()
}
