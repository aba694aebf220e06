package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/pointpillars/internal/config"
	"github.com/banshee-data/pointpillars/internal/monitoring"
	"github.com/banshee-data/pointpillars/internal/status"
	"github.com/banshee-data/pointpillars/internal/train"
)

func handleTrain(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("train")
	configPath := fs.String("config", "", "Pipeline config file, .json or .hujson (required)")
	modelDir := fs.String("model-dir", "", "Directory for checkpoints, logs and summaries (required)")
	resultPath := fs.String("result-path", "", "Directory for evaluation results (default <model-dir>/results)")
	displayStep := fs.Int64("display-step", 50, "Log metrics every N steps")
	summaryStep := fs.Int64("summary-step", 5, "Write summaries every N steps")
	pickleResult := fs.Bool("pickle-result", true, "Write result.json instead of KITTI label files")
	refineWeight := fs.Float64("refine-weight", 2, "Refine loss weight for two-stage networks")
	createFolder := fs.Bool("create-folder", false, "Train into a new timestamped directory if model-dir exists")
	keepDup := fs.Bool("keep-duplicate-scores", false, "Disable score deduplication during evaluation")
	healthListen := fs.String("health-listen", "", "Serve gRPC health checks on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" || *modelDir == "" {
		fs.Usage()
		return fmt.Errorf("train: -config and -model-dir are required")
	}

	pipeline, err := config.LoadPipelineConfig(*configPath)
	if err != nil {
		return err
	}

	var reporter status.Reporter = status.Nop{}
	if *healthListen != "" {
		srv := status.NewServer(*healthListen)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
		reporter = srv
	}

	t, err := train.NewTrainer(train.Config{
		Pipeline:            pipeline,
		ModelDir:            *modelDir,
		ResultPath:          *resultPath,
		CreateFolder:        *createFolder,
		DisplayStep:         *displayStep,
		SummaryStep:         *summaryStep,
		KittiFiles:          !*pickleResult,
		RefineWeight:        *refineWeight,
		KeepDuplicateScores: *keepDup,
		Console:             stdout,
		Status:              reporter,
	})
	if err != nil {
		return err
	}
	if err := t.Run(ctx); err != nil {
		return err
	}
	monitoring.Logf("training finished in %s", t.ModelDir())
	return nil
}

func handleEvaluate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("evaluate")
	configPath := fs.String("config", "", "Pipeline config file, .json or .hujson (required)")
	modelDir := fs.String("model-dir", "", "Model directory holding checkpoints (required)")
	resultPath := fs.String("result-path", "", "Directory for detections (default <model-dir>/eval_results)")
	ckptPath := fs.String("ckpt-path", "", "Restore this checkpoint instead of the latest")
	mode := fs.String("evaluation-mode", train.ModeAllGT, "Ground truth: 1/2 for all, 1/1 for in-range only")
	gtRange := fs.String("gt-limit-range", "", "Comma-separated x0,y0,z0,x1,y1,z1 overriding the post-center limit range")
	predictTest := fs.Bool("predict-test", false, "Write detections without scoring")
	pickleResult := fs.Bool("pickle-result", true, "Write result.json instead of KITTI label files")
	metricsFile := fs.String("metrics-file", train.DefaultMetricsFileName, "Metrics file name under model-dir")
	keepDup := fs.Bool("keep-duplicate-scores", false, "Disable score deduplication")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" || *modelDir == "" {
		fs.Usage()
		return fmt.Errorf("evaluate: -config and -model-dir are required")
	}
	limit, err := parseRange(*gtRange)
	if err != nil {
		return err
	}

	pipeline, err := config.LoadPipelineConfig(*configPath)
	if err != nil {
		return err
	}
	e, err := train.NewEvaluator(train.EvalConfig{
		Pipeline:            pipeline,
		ModelDir:            *modelDir,
		ResultPath:          *resultPath,
		CkptPath:            *ckptPath,
		PredictTest:         *predictTest,
		KittiFiles:          !*pickleResult,
		Mode:                *mode,
		MetricsFileName:     *metricsFile,
		GTLimitRange:        limit,
		KeepDuplicateScores: *keepDup,
		Console:             stdout,
	})
	if err != nil {
		return err
	}
	return e.Run(ctx)
}

// parseRange parses "x0,y0,z0,x1,y1,z1". An empty string is no range.
func parseRange(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 6 {
		return nil, fmt.Errorf("gt-limit-range: want 6 values, got %d", len(parts))
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("gt-limit-range: %w", err)
		}
		out[i] = v
	}
	return out, nil
}
