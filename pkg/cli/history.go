package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/anpr-monitor/pkg/infra/eventbus"
	"github.com/jguan/anpr-monitor/pkg/infra/store"
	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
)

func NewHistoryCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query stored detections, runs and events",
	}
	cmd.AddCommand(newHistoryDetectionsCommand(root))
	cmd.AddCommand(newHistoryRunsCommand(root))
	cmd.AddCommand(newHistoryEventsCommand(root))
	return cmd
}

// openHistory opens the configured database without starting the monitor.
func openHistory(ctx context.Context, root *RootCommand) (*store.SQLiteStore, func(), error) {
	cfg := root.Config()
	if !cfg.Storage.Enabled {
		return nil, nil, fmt.Errorf("storage is disabled; enable [storage] to keep history")
	}
	db, err := store.OpenDB(cfg.Storage.DBFile)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, func() { db.Close() }, nil
}

func newHistoryDetectionsCommand(root *RootCommand) *cobra.Command {
	var (
		filter store.DetectionFilter
		since  time.Duration
		cat    string
	)

	cmd := &cobra.Command{
		Use:     "detections",
		Aliases: []string{"det"},
		Short:   "List stored detections, newest first",
		Example: `  anpr history detections --camera CAM-01 --since 1h
  anpr history detections --category flagged -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openHistory(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeDB()

			if cat != "" {
				filter.Category = feed.Category(cat)
				if !filter.Category.Valid() {
					return fmt.Errorf("invalid category %q (valid: cleared, flagged, processing)", cat)
				}
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			records, total, err := s.ListDetections(cmd.Context(), filter)
			if err != nil {
				return err
			}
			opts := root.OutputOptions()
			if opts.Format != OutputTable {
				return PrintOutput(map[string]any{"detections": records, "total": total}, opts)
			}
			if err := PrintOutput(detectionTable(records), opts); err != nil {
				return err
			}
			PrintMessage(opts, "\n%d of %d detections", len(records), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.CameraID, "camera", "", "Filter by camera ID")
	cmd.Flags().StringVar(&cat, "category", "", "Filter by category (cleared, flagged, processing)")
	cmd.Flags().StringVar(&filter.PlateNumber, "plate", "", "Filter by plate number")
	cmd.Flags().DurationVar(&since, "since", 0, "Only detections newer than this")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum rows")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Rows to skip")

	return cmd
}

func newHistoryRunsCommand(root *RootCommand) *cobra.Command {
	var (
		filter pipeline.RunFilter
		status string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List archived pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openHistory(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeDB()

			filter.Status = pipeline.RunStatus(status)
			runs, total, err := s.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			opts := root.OutputOptions()
			if opts.Format != OutputTable {
				return PrintOutput(map[string]any{"runs": runs, "total": total}, opts)
			}
			if err := PrintOutput(runTable(runs), opts); err != nil {
				return err
			}
			PrintMessage(opts, "\n%d of %d runs", len(runs), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (completed, failed, cancelled)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum rows")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Rows to skip")

	return cmd
}

type eventRow struct {
	Time          time.Time `json:"timestamp"`
	Domain        string    `json:"domain"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id"`
}

func newHistoryEventsCommand(root *RootCommand) *cobra.Command {
	var filter eventbus.EventQueryFilter

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List persisted domain events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeDB, err := openHistory(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeDB()

			events, err := eventbus.NewSQLiteEventStore(cmd.Context(), s.DB())
			if err != nil {
				return err
			}
			found, err := events.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rows := make([]eventRow, len(found))
			for i, ev := range found {
				rows[i] = eventRow{Time: ev.Timestamp(), Domain: ev.Domain(), Type: ev.Type(), CorrelationID: ev.CorrelationID()}
			}
			return PrintOutput(rows, root.OutputOptions())
		},
	}

	cmd.Flags().StringVar(&filter.Domain, "domain", "", "Filter by domain (pipeline, feed)")
	cmd.Flags().StringVar(&filter.Type, "type", "", "Filter by event type")
	cmd.Flags().StringVar(&filter.CorrelationID, "correlation", "", "Filter by correlation ID")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum rows")

	return cmd
}
