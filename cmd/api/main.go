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

	"assura/api/internal/app"
	"assura/api/internal/approval"
	"assura/api/internal/archive"
	"assura/api/internal/authpw"
	"assura/api/internal/config"
	"assura/api/internal/eligibility"
	"assura/api/internal/email"
	"assura/api/internal/export"
	"assura/api/internal/lifecycle"
	"assura/api/internal/pdflock"
	"assura/api/internal/search"
	"assura/api/internal/session"
	"assura/api/internal/storage"
	"assura/api/internal/store"
	"assura/api/internal/summary"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ArchivesDir, 0o755); err != nil {
		log.Fatalf("failed to create archives dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	archiveService := archive.New(cfg.ArchivesDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	blobs, err := storage.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("object storage connection failed: %v", err)
	}

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	var emailService *email.Service
	if cfg.SMTPHost != "" {
		emailService = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
		log.Printf("SMTP configured, email notifications enabled")
	} else {
		log.Printf("SMTP not configured, email notifications disabled")
	}

	gate := approval.NewGate(dataStore)
	validator := eligibility.NewValidator(dataStore, gate)
	locker := pdflock.NewManager(blobs, dataStore)
	summaries := summary.NewGenerator(dataStore)
	exporter := export.NewService()

	engine := lifecycle.NewEngine(dataStore, validator, summaries, lifecycle.Hooks{
		Archiver: archiveService,
		Indexer:  searchService,
	})

	service := app.New(cfg, dataStore, redisStore, app.Dependencies{
		Auth:      authpw.NewService(dataStore),
		Gate:      gate,
		Validator: validator,
		PDFs:      locker,
		Engine:    engine,
		Exporter:  exporter,
		Search:    searchService,
		Archive:   archiveService,
		Blobs:     blobs,
		Email:     emailService,
	})

	// Warm the search index from Postgres so Meilisearch survives a
	// wiped volume.
	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Assura API listening on %s", cfg.Addr)
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
}
