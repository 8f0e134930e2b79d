package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/jguan/anpr-monitor/pkg/infra/ingest"
	"github.com/jguan/anpr-monitor/pkg/infra/logger"
	"github.com/jguan/anpr-monitor/pkg/unit/feed"
)

type simulateFlags struct {
	duration time.Duration
	tick     time.Duration
	publish  bool
	natsURL  string
	subject  string
}

func NewSimulateCommand(root *RootCommand) *cobra.Command {
	var flags simulateFlags

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate camera detections",
		Long: `Roll simulated detections for the configured cameras and print them,
or publish them to a NATS subject that a running monitor consumes.`,
		Example: `  # Print detections for 30 seconds
  anpr simulate --duration 30s

  # Feed a monitor started with --nats
  anpr simulate --publish --nats nats://127.0.0.1:4222`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), root, flags)
		},
	}

	cmd.Flags().DurationVar(&flags.duration, "duration", 30*time.Second, "How long to simulate (0 runs until interrupted)")
	cmd.Flags().DurationVar(&flags.tick, "tick", 0, "Camera poll interval (default from config)")
	cmd.Flags().BoolVar(&flags.publish, "publish", false, "Publish detections to NATS instead of printing them")
	cmd.Flags().StringVar(&flags.natsURL, "nats", "", "NATS server URL (default from config)")
	cmd.Flags().StringVar(&flags.subject, "subject", "", "NATS subject (default from config)")

	return cmd
}

func runSimulate(ctx context.Context, root *RootCommand, flags simulateFlags) error {
	cfg := root.Config()
	simCfg := simulatorConfig(cfg.Ingest.Simulator)
	if flags.tick > 0 {
		simCfg.Tick = flags.tick
	}
	if flags.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.duration)
		defer cancel()
	}

	var sink ingest.Sink
	if flags.publish {
		url, subject := cfg.Ingest.NATS.URL, cfg.Ingest.NATS.Subject
		if flags.natsURL != "" {
			url = flags.natsURL
		}
		if flags.subject != "" {
			subject = flags.subject
		}
		conn, err := nats.Connect(url, nats.Name("anpr-simulate"))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer conn.Drain()

		sink = natsSink(conn, subject)
		PrintMessage(root.OutputOptions(), "publishing simulated detections to %s on %s", subject, url)
	} else {
		sink = printSink(root.OutputOptions())
	}

	sim := ingest.NewSimulator(simCfg, sink, ingest.WithSimLogger(logger.Default()))
	return sim.Run(ctx)
}

func natsSink(conn *nats.Conn, subject string) ingest.Sink {
	return ingest.SinkFunc(func(ctx context.Context, rec feed.Record) error {
		return ingest.PublishDetection(conn, subject, rec)
	})
}

// printSink writes each detection as it arrives: a table row, or one JSON
// or YAML document per detection.
func printSink(opts *OutputOptions) ingest.Sink {
	var (
		mu     sync.Mutex
		header bool
	)
	return ingest.SinkFunc(func(ctx context.Context, rec feed.Record) error {
		if opts.Quiet {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()

		switch opts.Format {
		case OutputJSON:
			b, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(opts.Writer, string(b))
			return err
		case OutputYAML:
			out, err := FormatOutput(rec, OutputYAML)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(opts.Writer, "---\n"+out)
			return err
		default:
			t := detectionTable{rec}
			row := t.Rows()[0]
			if !header {
				header = true
				fmt.Fprintf(opts.Writer, "%-12s  %-19s  %-14s  %-7s  %-9s  %s\n", "ID", "TIME", "PLATE", "CAMERA", "CATEGORY", "CONFIDENCE")
			}
			_, err := fmt.Fprintf(opts.Writer, "%-12s  %-19s  %-14s  %-7s  %-9s  %s\n", row[0], row[1], row[2], row[3], row[5], row[6])
			return err
		}
	})
}
