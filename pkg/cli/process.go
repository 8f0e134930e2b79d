package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jguan/anpr-monitor/pkg/infra/detector"
	"github.com/jguan/anpr-monitor/pkg/infra/ingest"
	"github.com/jguan/anpr-monitor/pkg/service"
)

type processFlags struct {
	camera   string
	location string
	stages   []string
	direct   bool
}

// processResult is one line of `anpr process` output.
type processResult struct {
	File       string  `json:"file"`
	RunID      string  `json:"run_id,omitempty"`
	Status     string  `json:"status"`
	Plate      string  `json:"plate,omitempty"`
	Confidence float64 `json:"confidence"`
	Valid      bool    `json:"valid"`
	Category   string  `json:"category,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type processTable []processResult

func (t processTable) Header() []string {
	return []string{"FILE", "STATUS", "PLATE", "CONFIDENCE", "VALID", "CATEGORY", "ERROR"}
}

func (t processTable) Rows() [][]string {
	rows := make([][]string, len(t))
	for i, r := range t {
		conf := ""
		if r.Plate != "" {
			conf = fmt.Sprintf("%.1f%%", r.Confidence)
		}
		rows[i] = []string{r.File, r.Status, r.Plate, conf, fmt.Sprintf("%t", r.Valid), r.Category, r.Error}
	}
	return rows
}

func NewProcessCommand(root *RootCommand) *cobra.Command {
	var flags processFlags

	cmd := &cobra.Command{
		Use:   "process <image>...",
		Short: "Recognise plates in image files",
		Long: `Run each image through the recognition pipeline and print the result.

Completed runs are logged to the detection history like uploads through
the API. With --direct the images are sent to the detector in one batch
without running the pipeline.`,
		Example: `  anpr process car.jpg
  anpr process --camera CAM-02 --location "Salem Toll" *.jpg
  anpr process --direct -o json a.png b.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), root, flags, args)
		},
	}

	cmd.Flags().StringVar(&flags.camera, "camera", ingest.UploadCameraID, "Camera ID recorded with the detection")
	cmd.Flags().StringVar(&flags.location, "location", ingest.UploadLocation, "Location recorded with the detection")
	cmd.Flags().StringSliceVar(&flags.stages, "stages", nil, "Override the stage list")
	cmd.Flags().BoolVar(&flags.direct, "direct", false, "Send images straight to the detector as a batch")

	return cmd
}

func runProcess(ctx context.Context, root *RootCommand, flags processFlags, files []string) error {
	images := make([][]byte, len(files))
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		images[i] = data
	}

	a, err := newApp(ctx, root.Config(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	var results processTable
	if flags.direct {
		results, err = processDirect(ctx, a.detector, files, images)
		if err != nil {
			return err
		}
	} else {
		results = processRuns(ctx, a.monitor, flags, files, images)
	}
	return PrintOutput(results, root.OutputOptions())
}

func processRuns(ctx context.Context, m *service.Monitor, flags processFlags, files []string, images [][]byte) processTable {
	results := make(processTable, 0, len(files))
	for i, f := range files {
		res := processResult{File: filepath.Base(f)}
		run, err := m.Process(ctx, service.RunRequest{
			Stages:   flags.stages,
			Image:    images[i],
			CameraID: flags.camera,
			Location: flags.location,
		})
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
			results = append(results, res)
			continue
		}

		res.RunID = run.ID
		res.Status = string(run.Status)
		if run.Failure != nil {
			res.Error = run.Failure.Error()
		}
		if run.Outcome != nil {
			res.Plate = run.Outcome.Value
			res.Confidence = run.Outcome.Confidence
			res.Valid = run.Outcome.Valid
		}
		if rec, ok := service.DetectionFromRun(run, "", run.StartedAt); ok {
			res.Category = string(rec.Category)
		}
		results = append(results, res)
	}
	return results
}

func processDirect(ctx context.Context, det detector.Detector, files []string, images [][]byte) (processTable, error) {
	batch, err := det.Batch(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("batch detect: %w", err)
	}

	results := make(processTable, len(files))
	for i, f := range files {
		res := processResult{File: filepath.Base(f), Status: "completed"}
		if i >= len(batch) || !batch[i].Success {
			res.Status = "failed"
			if i < len(batch) {
				res.Error = batch[i].Error
			}
			results[i] = res
			continue
		}
		if best, ok := batch[i].Best(); ok {
			valid, plate := detector.ValidatePlate(best.Number)
			res.Plate = plate
			res.Confidence = best.Confidence
			res.Valid = valid && best.Valid
		} else {
			res.Status = "failed"
			res.Error = "no plate detected"
		}
		results[i] = res
	}
	return results, nil
}
