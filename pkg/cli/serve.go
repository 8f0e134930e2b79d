package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jguan/anpr-monitor/pkg/gateway"
	"github.com/jguan/anpr-monitor/pkg/infra/logger"
)

const shutdownGrace = 30 * time.Second

type serveFlags struct {
	addr     string
	simulate bool
	watchDir string
	natsURL  string
	detector string
}

func NewServeCommand(root *RootCommand) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and its HTTP API",
		Long: `Run the recognition pipeline, the live detection feed and the HTTP API.

Detections arrive from completed runs, the camera simulator, a NATS subject
and a watched upload folder, depending on configuration.`,
		Example: `  # Serve with the defaults from the config file
  anpr serve

  # Simulated cameras and a drop folder for uploads
  anpr serve --simulate --watch ~/anpr/uploads

  # Use the remote recognition service
  anpr serve --detector remote`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, flags)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().BoolVar(&flags.simulate, "simulate", false, "Enable the camera simulator")
	cmd.Flags().StringVar(&flags.watchDir, "watch", "", "Start a run for each image dropped into this directory")
	cmd.Flags().StringVar(&flags.natsURL, "nats", "", "Consume detections from this NATS server")
	cmd.Flags().StringVar(&flags.detector, "detector", "", "Detector mode: mock or remote (default from config)")

	return cmd
}

func runServe(ctx context.Context, root *RootCommand, flags serveFlags) error {
	cfg := root.Config()
	if flags.addr != "" {
		cfg.API.ListenAddr = flags.addr
	}
	if flags.simulate {
		cfg.Ingest.Simulator.Enabled = true
	}
	if flags.watchDir != "" {
		cfg.Ingest.WatchDir = flags.watchDir
	}
	if flags.natsURL != "" {
		cfg.Ingest.NATS.URL = flags.natsURL
		cfg.Ingest.NATS.Enabled = true
	}
	if flags.detector != "" {
		cfg.Detector.Mode = flags.detector
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	a, err := newApp(ctx, cfg, appOptions{paced: true, sources: true, system: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Storage.Enabled && cfg.Feed.WarmStart {
		if err := a.monitor.WarmStart(ctx); err != nil {
			a.logger.Warn("warm start failed", "error", err)
		}
	}

	srv := gateway.NewServer(a.monitor, a.exporter, gateway.ServerConfig{
		Addr:           cfg.API.ListenAddr,
		RequestTimeout: cfg.API.RequestTimeoutD,
		MaxBodyBytes:   int64(cfg.API.MaxBodyMB) << 20,
		EnableCORS:     cfg.API.EnableCORS,
		CORSOrigins:    cfg.API.CORSOrigins,
		RateLimit:      cfg.API.RateLimit,
		RateBurst:      cfg.API.RateBurst,
		Logger:         logger.Default(),
	})

	PrintMessage(root.OutputOptions(), "anpr monitor listening on http://%s (detector: %s)", cfg.API.ListenAddr, cfg.Detector.Mode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("anpr monitor stopped")
	return nil
}
