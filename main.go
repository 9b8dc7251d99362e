// Editor Bridge - local control server linking an editor to its agent sidecar
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/editor-bridge/internal/auth"
	"github.com/workspace/editor-bridge/internal/config"
	"github.com/workspace/editor-bridge/internal/control"
	"github.com/workspace/editor-bridge/internal/dispatch"
	"github.com/workspace/editor-bridge/internal/driver"
	"github.com/workspace/editor-bridge/internal/editstream"
	"github.com/workspace/editor-bridge/internal/errorreport"
	"github.com/workspace/editor-bridge/internal/logging"
	"github.com/workspace/editor-bridge/internal/persistence"
	"github.com/workspace/editor-bridge/internal/registry"
	"github.com/workspace/editor-bridge/internal/sidecar"
	"github.com/workspace/editor-bridge/internal/stream"
	"github.com/workspace/editor-bridge/internal/workspace"
)

func main() {
	logging.Setup()
	log.Println("Starting editor bridge...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := persistence.Open(cfg.PersistenceDBPath)
	if err != nil {
		log.Fatalf("Failed to open persistence store: %v", err)
	}
	defer store.Close()

	reporter := errorreport.New(cfg.SidecarURL, errorreport.Config{
		FlushInterval: cfg.ErrorReportFlushInterval,
		MaxBatchSize:  cfg.ErrorReportMaxBatchSize,
		MaxQueueSize:  cfg.ErrorReportMaxQueueSize,
		HTTPTimeout:   cfg.ErrorReportHTTPTimeout,
	})
	reporter.Start()
	defer reporter.Shutdown()

	creds := auth.NewProvider(
		auth.NewHTTPTokenFetcher(cfg.TokenEndpoint, cfg.SidecarTimeout),
		cfg.JWKSEndpoint,
		cfg.JWTIssuer,
	)

	client := sidecar.NewClient(cfg.SidecarURL, cfg.SidecarTimeout)
	surface := stream.NewWSSurface(cfg.ViewerSendBuffer)
	edits := editstream.NewManager(workspace.NewFS(cfg.WorkspaceRoot), editstream.NewPendingEditSet(), store)

	// Stream cancellation asks the sidecar to stop the running operation
	// and feeds the follow-up events back through dispatch. The dispatcher
	// is assigned below; cancellation cannot fire before a stream exists.
	var dispatcher *dispatch.Dispatcher
	reg := registry.New(func(key registry.Key) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.SidecarTimeout)
		defer cancel()
		events, err := client.Cancel(ctx, key.SessionID, key.ExchangeID)
		if err != nil {
			log.Printf("Cancel request failed for %s: %v", key.String(), err)
			reporter.ReportError(err, "main.cancel", key.SessionID, key.ExchangeID, nil)
			return
		}
		dispatcher.Forward(key.SessionID, events)
	})
	dispatcher = dispatch.New(reg, surface, edits, store, reporter)

	drv := driver.New(creds, client, dispatcher, reg, surface, cfg.UnauthorizedTerminal)
	srv := control.New(cfg, reg, edits, store, surface, drv, client, reporter)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start control server: %v", err)
	}
	log.Printf("Control server ready at %s", srv.URL())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Editor bridge stopped")
}
