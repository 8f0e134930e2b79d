package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jguan/anpr-monitor/pkg/infra/detector"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
)

// Input and output keys shared by the recognition stages.
const (
	KeyImage      = "image"
	KeyCameraID   = "camera_id"
	KeyLocation   = "location"
	KeyDetection  = "detection"
	KeyPlateCount = "plates_detected"
	KeyValue      = "value"
	KeyConfidence = "confidence"
	KeyValid      = "valid"
	KeyRawText    = "raw_text"
)

// syntheticFrame stands in for a camera frame when a run is started without
// an image, so simulated runs can still exercise the detector.
var syntheticFrame = []byte("\xff\xd8\xff\xe0synthetic-frame")

// Stages builds the executors for the recognition pipeline. When pace is
// set every stage is animated by it before doing its work.
type Stages struct {
	detector detector.Detector
	pace     *pipeline.Simulator
}

func NewStages(det detector.Detector, pace *pipeline.Simulator) *Stages {
	return &Stages{detector: det, pace: pace}
}

// Router maps the default stage names to their executors. Unknown stages
// are paced when a simulator is configured and complete instantly
// otherwise.
func (s *Stages) Router() *pipeline.Router {
	fallback := pipeline.StageExecutor(pipeline.InstantExecutor)
	if s.pace != nil {
		fallback = s.pace.Execute
	}
	return pipeline.NewRouter(fallback).
		Handle("capture", s.capture).
		Handle("preprocess", s.preprocess).
		Handle("detect", s.detect).
		Handle("extract", s.extract).
		Handle("verify", s.verify)
}

func (s *Stages) animate(ctx context.Context, stage string, input map[string]any, report pipeline.ProgressFunc) error {
	if s.pace == nil {
		return nil
	}
	_, err := s.pace.Execute(ctx, stage, input, func(p float64) {
		// leave headroom so the stage finishes on its own result
		report(p * 0.9)
	})
	return err
}

func (s *Stages) capture(ctx context.Context, stage string, input map[string]any, report pipeline.ProgressFunc) (map[string]any, error) {
	if err := s.animate(ctx, stage, input, report); err != nil {
		return nil, err
	}
	image, _ := input[KeyImage].([]byte)
	out := map[string]any{}
	if len(image) == 0 {
		image = syntheticFrame
		out[KeyImage] = image
		out["synthetic"] = true
	}
	out["bytes"] = len(image)
	report(100)
	return out, nil
}

func (s *Stages) preprocess(ctx context.Context, stage string, input map[string]any, report pipeline.ProgressFunc) (map[string]any, error) {
	if err := s.animate(ctx, stage, input, report); err != nil {
		return nil, err
	}
	image, _ := input[KeyImage].([]byte)
	if len(image) == 0 {
		return nil, fmt.Errorf("no image to preprocess")
	}
	report(100)
	mime := http.DetectContentType(image)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return map[string]any{"format": mime}, nil
}

func (s *Stages) detect(ctx context.Context, stage string, input map[string]any, report pipeline.ProgressFunc) (map[string]any, error) {
	if err := s.animate(ctx, stage, input, report); err != nil {
		return nil, err
	}
	image, _ := input[KeyImage].([]byte)
	res, err := s.detector.Process(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(res.Plates) == 0 {
		return nil, fmt.Errorf("no plates detected")
	}
	report(100)
	return map[string]any{
		KeyDetection:  res,
		KeyPlateCount: len(res.Plates),
	}, nil
}

func (s *Stages) extract(ctx context.Context, stage string, input map[string]any, report pipeline.ProgressFunc) (map[string]any, error) {
	if err := s.animate(ctx, stage, input, report); err != nil {
		return nil, err
	}
	res, _ := input[KeyDetection].(*detector.Result)
	best, ok := res.Best()
	if !ok {
		return nil, fmt.Errorf("no detection to extract from")
	}
	report(100)
	return map[string]any{
		KeyValue:      best.Number,
		KeyConfidence: best.Confidence,
		KeyValid:      best.Valid,
		KeyRawText:    best.RawText,
	}, nil
}

// verify re-checks the extracted text against the plate layouts. A plate is
// valid only when the detector accepted it and it matches a layout.
func (s *Stages) verify(ctx context.Context, stage string, input map[string]any, report pipeline.ProgressFunc) (map[string]any, error) {
	if err := s.animate(ctx, stage, input, report); err != nil {
		return nil, err
	}
	value, _ := input[KeyValue].(string)
	if value == "" {
		return nil, fmt.Errorf("nothing to verify")
	}
	confidence, _ := input[KeyConfidence].(float64)
	detectorValid, _ := input[KeyValid].(bool)

	valid, formatted := detector.ValidatePlate(value)
	report(100)
	return map[string]any{
		KeyValue:      formatted,
		KeyConfidence: confidence,
		KeyValid:      valid && detectorValid,
		KeyRawText:    input[KeyRawText],
	}, nil
}
