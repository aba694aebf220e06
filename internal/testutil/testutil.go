// Package testutil holds helpers shared by the package tests: muted logging,
// a pipeline small enough to train in a test, and HTTP fetches.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/pointpillars/internal/config"
	"github.com/banshee-data/pointpillars/internal/monitoring"
)

// MuteLogs silences monitoring.Logf until the test ends.
func MuteLogs(t testing.TB) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = prev })
}

// SmallPipeline is the example pipeline cut down to steps training steps,
// evaluating every perEval, over 5 training and 4 evaluation examples.
func SmallPipeline(t testing.TB, steps, perEval int64) *config.PipelineConfig {
	t.Helper()
	cfg := config.MustLoadExampleConfig()
	cfg.TrainInputReader.Params = json.RawMessage(`{"num_examples": 5, "max_objects": 3}`)
	cfg.EvalInputReader.Params = json.RawMessage(`{"num_examples": 4, "max_objects": 3}`)
	cfg.TrainConfig.Steps = &steps
	cfg.TrainConfig.StepsPerEval = &perEval
	return cfg
}

// WritePipeline writes cfg as a .json file in a temp dir and returns its
// path.
func WritePipeline(t testing.TB, cfg *config.PipelineConfig) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal pipeline: %v", err)
	}
	path := filepath.Join(t.TempDir(), "pipeline.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	return path
}

// Get fetches url and returns the status code and body.
func Get(t testing.TB, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, string(body)
}
