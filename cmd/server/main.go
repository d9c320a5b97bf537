package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drowsyguard/internal/config"
	"drowsyguard/internal/ingest"
	"drowsyguard/internal/observability"
	"drowsyguard/internal/registry"
	"drowsyguard/internal/ws"
)

func main() {
	httpPort := flag.String("http-port", "", "HTTP port (overrides HTTP_PORT)")
	flag.Parse()

	cfg := config.LoadConfig()
	if *httpPort != "" {
		cfg.HTTPPort = *httpPort
	}

	log.Println("Starting ingestion server...")
	log.Printf("HTTP port: %s", cfg.HTTPPort)
	log.Printf("Environment: %s", cfg.Environment)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	store := openStore(cfg)
	defer store.Close()

	hub := ws.NewHub()
	metrics := observability.NewMetrics(hub.ClientCount)

	svc := ingest.NewService(store, hub, metrics, ingest.Options{
		SharedKey:   cfg.SharedKey,
		MaxInflight: cfg.MaxInflight,
		CORSOrigins: cfg.CORSOrigins,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      svc.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on port %s", cfg.HTTPPort)
		log.Printf("WebSocket:  ws://localhost:%s/ws", cfg.HTTPPort)
		log.Printf("REST API:   http://localhost:%s/api/*", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to serve HTTP: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	} else {
		log.Println("HTTP server gracefully stopped")
	}

	log.Println("Closing WebSocket connections...")
	hub.CloseAll()

	log.Println("Goodbye!")
}

// openStore picks Postgres when a DB host is configured, otherwise
// the server runs on the in-memory registry.
func openStore(cfg *config.Config) registry.Store {
	if cfg.DBHost == "" {
		log.Println("DB_HOST not set, using in-memory registry (data is lost on restart)")
		return registry.NewMemoryStore(cfg.StaleAfter, cfg.OfflineAfter)
	}

	log.Printf("Connecting to database: %s", cfg.DSNForLog())
	store, err := registry.NewPostgresStore(cfg.DSN(), cfg.StaleAfter, cfg.OfflineAfter)
	if err != nil {
		log.Printf("Database unavailable: %v", err)
		log.Println("Continuing with in-memory registry")
		return registry.NewMemoryStore(cfg.StaleAfter, cfg.OfflineAfter)
	}
	return store
}
