// outboxd is the local write-outbox daemon for the clinic client: it
// queues mutations while the practice-management server is unreachable
// and replays them with conflict resolution once it is back.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/omrozmn/x-ear-sub004/internal/api"
	"github.com/omrozmn/x-ear-sub004/internal/connectivity"
	"github.com/omrozmn/x-ear-sub004/internal/db"
	"github.com/omrozmn/x-ear-sub004/internal/events"
	"github.com/omrozmn/x-ear-sub004/internal/logging"
	"github.com/omrozmn/x-ear-sub004/internal/outbox"
	"github.com/omrozmn/x-ear-sub004/internal/server"
	syncer "github.com/omrozmn/x-ear-sub004/internal/sync"
	"github.com/omrozmn/x-ear-sub004/internal/sync/conflict"
)

type serveOptions struct {
	listen        string
	serverURL     string
	dataDir       string
	syncInterval  time.Duration
	probeInterval time.Duration
	writeTimeout  time.Duration
	logLevel      string
}

func main() {
	opts := &serveOptions{}

	rootCmd := &cobra.Command{
		Use:   "outboxd",
		Short: "Offline write outbox daemon for the clinic client",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (foreground)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	serveCmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:8787", "local API listen address")
	serveCmd.Flags().StringVar(&opts.serverURL, "server", "http://localhost:8080", "practice-management server base URL")
	serveCmd.Flags().StringVar(&opts.dataDir, "data-dir", "./data", "directory for the outbox database")
	serveCmd.Flags().DurationVar(&opts.syncInterval, "sync-interval", syncer.DefaultSyncInterval, "periodic drain interval")
	serveCmd.Flags().DurationVar(&opts.probeInterval, "probe-interval", 30*time.Second, "connectivity probe interval")
	serveCmd.Flags().DurationVar(&opts.writeTimeout, "write-timeout", 30*time.Second, "per-request timeout against the server")
	serveCmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(opts *serveOptions) error {
	logging.Init(os.Stderr, logging.ParseLevel(opts.logLevel))

	database, err := db.Setup(opts.dataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	bus := events.NewBus()
	store := outbox.NewStore(database, bus)
	client := server.NewHTTPClient(opts.serverURL, opts.writeTimeout)
	registry := conflict.NewRegistry(bus)
	monitor := connectivity.NewMonitor(client, bus, opts.probeInterval)
	coord := syncer.NewCoordinator(client, registry, bus, nil)
	engine := syncer.NewEngine(store, coord, monitor, bus,
		syncer.WithSyncInterval(opts.syncInterval))

	hub := NewWSHub()
	BridgeBus(bus, hub)

	router := chi.NewRouter()
	router.Get("/ws", HandleWebSocket(hub))
	router.Mount("/", api.NewHandler(api.Deps{
		Store:    store,
		Engine:   engine,
		Registry: registry,
		Monitor:  monitor,
	}))

	httpServer := &http.Server{
		Addr:    opts.listen,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	engine.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Daemon listening", map[string]interface{}{
			"addr":   opts.listen,
			"server": opts.serverURL,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		engine.Stop()
		monitor.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Error("Daemon exited with error", err, nil)
		return err
	}

	logging.Info("Daemon stopped", nil)
	return nil
}
