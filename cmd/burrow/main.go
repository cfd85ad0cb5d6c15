package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/burrowdht/burrow/internal/config"
	"github.com/burrowdht/burrow/internal/dht"
	"github.com/burrowdht/burrow/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Default()

	root := &cobra.Command{
		Use:          "burrow",
		Short:        "Mainline DHT node for trackerless BitTorrent peer discovery",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.IntVar(&cfg.Port, "port", cfg.Port, "UDP port to listen on (0 for ephemeral)")
	flags.StringSliceVar(&cfg.BootstrapNodes, "bootstrap", nil, "bootstrap host:port (repeatable; default well-known routers)")
	flags.BoolVar(&cfg.DisableBootstrap, "no-bootstrap", false, "start with an empty routing table")
	flags.DurationVar(&cfg.QueryTimeout, "query-timeout", cfg.QueryTimeout, "per-query timeout")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "HTTP address for /metrics (empty disables)")
	flags.BoolVar(&cfg.Debug, "debug", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	setupLogger(cfg.Debug)

	node := dht.New(&dht.Config{
		BootstrapNodes:   cfg.BootstrapNodes,
		DisableBootstrap: cfg.DisableBootstrap,
		QueryTimeout:     cfg.QueryTimeout,
	})

	if _, err := node.Listen(cfg.Port); err != nil {
		slog.Error("failed to start dht", "error", err)
		return err
	}
	defer node.Destroy()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-node.Events():
				if !ok {
					return nil
				}
				logEvent(ev)
			}
		}
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		g.Go(func() error {
			slog.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func logEvent(ev dht.Event) {
	switch e := ev.(type) {
	case dht.Listening:
		slog.Info("listening", "port", e.Port)
	case dht.NodeEvent:
		slog.Debug("node added", "id", e.ID, "addr", e.Addr)
	case dht.PeerEvent:
		slog.Debug("peer found", "info_hash", e.InfoHash, "addr", e.Addr)
	case dht.Warning:
		slog.Warn("dht warning", "error", e.Err)
	case dht.Fault:
		slog.Error("dht fault", "error", e.Err)
	}
}

func setupLogger(debug bool) {
	opts := logging.DefaultOptions()
	if debug {
		opts.Level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(logging.NewHandler(os.Stdout, &opts)))
}
