package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"geoseg/internal/config"
	"geoseg/internal/dataset"
	"geoseg/internal/logging"
	"geoseg/internal/storage"
	"geoseg/internal/tensor"
	"geoseg/internal/unet"
)

func testRouter(t *testing.T, store *storage.Store) *router {
	t.Helper()
	cfg := config.Default()
	cfg.Network = config.Network{Height: 16, Width: 16, Channels: 1, Classes: 2, Variant: "plain", Seed: 3}
	cfg.Dataset.PatchDims = []int{1, 2}
	cfg.Paths.OutputDir = t.TempDir()
	cfg.Paths.WeightsDir = t.TempDir()
	r := newRouter(cfg, logging.Discard(), store).(*router)
	r.loadPatch = func(string, int) (*tensor.Tensor, error) {
		return nil, errors.New("no images in tests")
	}
	return r
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "geoseg.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRouterBuildRecordsGraph(t *testing.T) {
	store := openStore(t)
	r := testRouter(t, store)

	job := Job{ID: "b1", Type: JobBuild, Options: map[string]any{"height": 32.0, "width": 32.0, "channels": 12}}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["name"] != "U-Net" {
		t.Fatalf("unexpected name %v", res.Meta["name"])
	}
	if res.Meta["output"] != "32x32x2" {
		t.Fatalf("unexpected output shape %v", res.Meta["output"])
	}

	r.Process(context.Background(), job)
	digest, _ := res.Meta["digest"].(string)
	rec, err := store.Graph(digest)
	if err != nil {
		t.Fatalf("graph not recorded: %v", err)
	}
	if rec.Builds != 2 {
		t.Fatalf("expected 2 builds, got %d", rec.Builds)
	}
}

func TestRouterBuildRejectsShape(t *testing.T) {
	r := testRouter(t, nil)
	res := r.Process(context.Background(), Job{ID: "b2", Type: JobBuild, Options: map[string]any{"height": 100, "width": 100}})
	if !errors.Is(res.Error, unet.UnsupportedResolution) {
		t.Fatalf("expected UnsupportedResolution, got %v", res.Error)
	}
	if res.Meta["reason"] != "UnsupportedResolution" {
		t.Fatalf("unexpected reason %v", res.Meta["reason"])
	}

	res = r.Process(context.Background(), Job{ID: "b3", Type: JobBuild, Options: map[string]any{"variant": "transfer"}})
	if !errors.Is(res.Error, unet.IncompatibleChannelCount) {
		t.Fatalf("expected IncompatibleChannelCount, got %v", res.Error)
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r := testRouter(t, nil)
	if res := r.Process(context.Background(), Job{ID: "x", Type: "align"}); res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestRouterEvaluate(t *testing.T) {
	r := testRouter(t, nil)
	maps := map[string][]int{
		"pred.png": {0, 1, 1, 0},
		"ref.png":  {0, 1, 0, 0},
	}
	r.readClassMap = func(path string, classes int) ([]int, int, int, error) {
		return maps[path], 2, 2, nil
	}

	res := r.Process(context.Background(), Job{
		ID:        "e1",
		Type:      JobEvaluate,
		InputPath: "pred.png",
		Options:   map[string]any{"reference": "ref.png", "metrics": []any{"test_accuracy", "error_matrix"}, "decimal": 2},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["test_accuracy"] != 0.75 {
		t.Fatalf("unexpected accuracy %v", res.Meta["test_accuracy"])
	}
	if res.Meta["pixels"] != 4 {
		t.Fatalf("unexpected pixel count %v", res.Meta["pixels"])
	}

	res = r.Process(context.Background(), Job{ID: "e2", Type: JobEvaluate, InputPath: "pred.png"})
	if res.Error == nil {
		t.Fatalf("expected error without reference")
	}
}

func TestRouterEvaluateRecordReference(t *testing.T) {
	r := testRouter(t, nil)
	r.readClassMap = func(path string, classes int) ([]int, int, int, error) {
		return []int{0, 1, 1, 0}, 2, 2, nil
	}
	ref := filepath.Join(t.TempDir(), "ref.jsonl.gz")
	recs := []dataset.Record{
		{dataset.ClassBand: {1, 1, 1, 1}},
		{dataset.ClassBand: {0, 1, 1, 1}},
	}
	if err := dataset.WriteFile(ref, recs); err != nil {
		t.Fatalf("write reference: %v", err)
	}

	res := r.Process(context.Background(), Job{
		ID:        "e3",
		Type:      JobEvaluate,
		InputPath: "pred.png",
		Options:   map[string]any{"reference": ref, "record": 1, "metrics": []any{"test_accuracy"}, "decimal": 2},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["test_accuracy"] != 0.75 {
		t.Fatalf("unexpected accuracy %v", res.Meta["test_accuracy"])
	}

	res = r.Process(context.Background(), Job{
		ID:        "e4",
		Type:      JobEvaluate,
		InputPath: "pred.png",
		Options:   map[string]any{"reference": ref, "record": 2},
	})
	if res.Error == nil {
		t.Fatalf("expected out of range record error")
	}
}

func TestRouterPrepare(t *testing.T) {
	r := testRouter(t, nil)
	dir := t.TempDir()
	var recs []dataset.Record
	for i := 0; i < 10; i++ {
		v := float64(i) / 10
		recs = append(recs, dataset.Record{
			"B2":              {v, v},
			"B3":              {v, 1 - v},
			dataset.ClassBand: {0, float64(i % 2)},
		})
	}
	if err := dataset.WriteFile(filepath.Join(dir, "a.jsonl.gz"), recs[:6]); err != nil {
		t.Fatalf("write patches: %v", err)
	}
	if err := dataset.WriteFile(filepath.Join(dir, "b.jsonl.gz"), recs[6:]); err != nil {
		t.Fatalf("write patches: %v", err)
	}

	res := r.Process(context.Background(), Job{
		ID:        "r1",
		Type:      JobPrepare,
		InputPath: dir,
		Options:   map[string]any{"bands": "B2,B3,B99", "train_batch": 3},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["records"] != 10 {
		t.Fatalf("unexpected record count %v", res.Meta["records"])
	}
	if res.Meta["input"] != "1x2x2" {
		t.Fatalf("unexpected input shape %v", res.Meta["input"])
	}
	if res.Meta["train_batches"] != 3 || res.Meta["test_batches"] != 1 || res.Meta["valid_batches"] != 1 {
		t.Fatalf("unexpected batch counts %v", res.Meta)
	}
	unknown, _ := res.Meta["unknown"].([]string)
	if len(unknown) != 1 || unknown[0] != "B99" {
		t.Fatalf("unexpected unknown bands %v", res.Meta["unknown"])
	}

	res = r.Process(context.Background(), Job{ID: "r2", Type: JobPrepare, InputPath: dir, Options: map[string]any{"bands": "B99"}})
	if res.Error == nil {
		t.Fatalf("expected error without input bands")
	}
}

func TestRouterWeightsFileDefaultsToWeightsDir(t *testing.T) {
	r := testRouter(t, nil)
	g, _, err := r.build(nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := r.weightsFile(g, nil); got != "" {
		t.Fatalf("expected no weights before saving, got %q", got)
	}

	path := WeightsPath(r.weightsDir, g)
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
	if got := r.weightsFile(g, nil); got != path {
		t.Fatalf("expected %q, got %q", path, got)
	}
	if got := r.weightsFile(g, map[string]any{"weights": "other.json"}); got != "other.json" {
		t.Fatalf("expected the weights option to win, got %q", got)
	}
}

func TestRouterIndices(t *testing.T) {
	r := testRouter(t, nil)
	in := filepath.Join(t.TempDir(), "patches.jsonl.gz")
	rec := dataset.Record{
		"B2": {0.1, 0.1}, "B3": {0.2, 0.2}, "B4": {0.3, 0.3},
		"B8": {0.6, 0.3}, "B11": {0.4, 0.4}, "B12": {0.5, 0.5},
	}
	if err := dataset.WriteFile(in, []dataset.Record{rec}); err != nil {
		t.Fatalf("write patches: %v", err)
	}

	res := r.Process(context.Background(), Job{ID: "i1", Type: JobIndices, InputPath: in})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	out, _ := res.Meta["output"].(string)
	if filepath.Base(out) != "patches_indices.jsonl.gz" {
		t.Fatalf("unexpected output %q", out)
	}
	recs, err := dataset.ReadFiles([]string{out})
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	ndvi := recs[0]["NDVI"]
	if len(ndvi) != 2 || ndvi[1] != 0 {
		t.Fatalf("unexpected NDVI %v", ndvi)
	}

	res = r.Process(context.Background(), Job{ID: "i2", Type: JobIndices, InputPath: in, Options: map[string]any{"sensor": "landsat8"}})
	if res.Error == nil {
		t.Fatalf("expected missing band error for landsat8")
	}
}

func TestRouterPredictRejectsBandCount(t *testing.T) {
	r := testRouter(t, nil)
	res := r.Process(context.Background(), Job{
		ID:        "p1",
		Type:      JobPredict,
		InputPath: "patches.jsonl.gz",
		Options:   map[string]any{"bands": "B2,B3"},
	})
	if res.Error == nil {
		t.Fatalf("expected band count error")
	}
}

func TestRouterPredictWritesClassMaps(t *testing.T) {
	if testing.Short() {
		t.Skip("full network forward pass")
	}
	r := testRouter(t, nil)
	r.loadPatch = func(path string, channels int) (*tensor.Tensor, error) {
		return tensor.New(1, 16, 16, channels), nil
	}
	var written [][]int
	r.writeClassMap = func(path string, labels []int, w, h, classes int) error {
		if w != 16 || h != 16 || classes != 2 {
			t.Errorf("unexpected class map %dx%d/%d", w, h, classes)
		}
		written = append(written, labels)
		return nil
	}

	res := r.Process(context.Background(), Job{ID: "p2", Type: JobPredict, InputPath: "scene.tif"})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if len(written) != 1 || len(written[0]) != 256 {
		t.Fatalf("expected one 256 pixel map, got %d", len(written))
	}
	outs, _ := res.Meta["outputs"].([]string)
	if len(outs) != 1 || filepath.Base(outs[0]) != "scene_000.png" {
		t.Fatalf("unexpected outputs %v", outs)
	}
}

type stubProcessor struct {
	err error
}

func (s stubProcessor) Process(ctx context.Context, job Job) Result {
	return Result{Job: job, Error: s.err, Meta: map[string]any{"ok": s.err == nil}}
}

func TestPipelineBroadcastsResults(t *testing.T) {
	store := openStore(t)
	p := NewWithProcessor(context.Background(), config.Processing{ParallelJobs: 2}, logging.Discard(), store, stubProcessor{})
	results, unsub := p.Subscribe()
	defer unsub()

	job, err := p.Submit(Job{Type: JobBuild})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID == "" {
		t.Fatalf("expected an assigned job ID")
	}

	select {
	case res := <-results:
		if res.Job.ID != job.ID || res.Error != nil {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
	}

	p.Stop()
	rec, err := store.Job(job.ID)
	if err != nil {
		t.Fatalf("job not recorded: %v", err)
	}
	if rec.Status != "completed" {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if _, err := p.Submit(Job{Type: JobBuild}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPipelineQueueFull(t *testing.T) {
	block := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, job Job) Result {
		<-block
		return Result{Job: job}
	})
	p := NewWithProcessor(context.Background(), config.Processing{ParallelJobs: 1, QueueSize: 1}, nil, nil, proc)
	defer p.Stop()
	defer close(block)

	var full bool
	for i := 0; i < 4; i++ {
		if _, err := p.Submit(Job{Type: JobBuild}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected the queue to fill up")
	}
}

type processorFunc func(ctx context.Context, job Job) Result

func (f processorFunc) Process(ctx context.Context, job Job) Result { return f(ctx, job) }
