/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the compliance engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire the fund ledger, bleeding meter, signal hub, and service
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: compliance.db)
                  Use ":memory:" for an in-memory database
  -sweep-interval Enforcement sweep interval (default: 1m, 0 disables)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/compliance.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  ./server -port=3000

DOWNSTREAM WIRING:
  The engagement-record, content, and notification subsystems are owned
  by the host. This binary wires logging stand-ins; the host replaces
  them when embedding the engine.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/compliance-engine/api"
	"github.com/warp/compliance-engine/enforcement"
	"github.com/warp/compliance-engine/fund"
	"github.com/warp/compliance-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "compliance.db", "SQLite database path")
	sweepInterval := flag.Duration("sweep-interval", time.Minute, "enforcement sweep interval (0 disables)")
	flag.Parse()

	logger := log.Default()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire the engine
	ledger := fund.NewLedger(store)
	meter := enforcement.NewMeter(store, ledger)
	collaborators := &enforcement.LoggingCollaborators{Logger: logger}
	hub := enforcement.NewSignalHub(store, collaborators, collaborators, collaborators, logger)
	service := enforcement.NewService(store, store, ledger, meter, hub, logger)

	// Initialize handler and router
	handler := api.NewHandler(service, ledger, hub, store, store)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background enforcement sweep and outbox flush
	scheduler := api.NewEnforcementScheduler(store, service, hub)
	scheduler.Enabled = *sweepInterval > 0
	if *sweepInterval > 0 {
		scheduler.SweepInterval = *sweepInterval
	}
	scheduler.Start()

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
