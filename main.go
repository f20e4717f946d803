package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/xiaot623/flowlab/internal/capture"
	"github.com/xiaot623/flowlab/internal/config"
	"github.com/xiaot623/flowlab/internal/controller"
	"github.com/xiaot623/flowlab/internal/policy"
	"github.com/xiaot623/flowlab/internal/repository"
	transport "github.com/xiaot623/flowlab/internal/transport/http"
)

func main() {
	// Load .env if present, then configuration from the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("WARN: failed to load .env: %v", err)
	}
	cfg := config.Load()

	log.Printf("Starting flowlab backend...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Probe: %s", cfg.ProbeBin)
	log.Printf("Capture tool: %s", cfg.TcpdumpBin)
	log.Printf("Capture dir: %s", cfg.CaptureDir)
	log.Printf("Database: %s", cfg.DatabaseURL)

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	// Initialize run-admission policy engine
	ctx := context.Background()
	if last, err := store.LatestRun(ctx); err != nil {
		log.Printf("WARN: failed to load last run: %v", err)
	} else if last != nil {
		log.Printf("Last run: %s state=%s cause=%s", last.RunID, last.State, last.Cause)
	}
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize capture manager and controller
	capmgr := capture.NewManager(cfg.TcpdumpBin, cfg.CaptureDir)
	ctrl := controller.New(cfg, policyEngine, store, capmgr)

	// Create the HTTP server (REST + websocket streams)
	server := transport.NewServer(cfg, ctrl)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down flowlab backend...")

	// A live run must reach the terminal state before the process exits.
	ctrl.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Flowlab backend stopped")
}
