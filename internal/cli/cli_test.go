package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"geoseg/internal/config"
	"geoseg/internal/dataset"
	"geoseg/internal/logging"
	"geoseg/internal/pipeline"
	"geoseg/internal/storage"
	"geoseg/internal/unet"
)

func TestJobCommandsDispatch(t *testing.T) {
	temp := t.TempDir()
	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
		option     string
		want       any
	}{
		{"indices", []string{"indices", filepath.Join(temp, "p.jsonl.gz"), "--sensor", "landsat8"}, pipeline.JobIndices, "sensor", "landsat8"},
		{"predict", []string{"predict", filepath.Join(temp, "scene.png"), temp, "--shape", "32,32,3", "--weights", "w.json"}, pipeline.JobPredict, "weights", "w.json"},
		{"predict-channels", []string{"predict", filepath.Join(temp, "scene.png"), "--shape", "32,32,3"}, pipeline.JobPredict, "channels", 3},
		{"metrics", []string{"metrics", filepath.Join(temp, "pred.png"), "--reference", "ref.png", "--classes", "3"}, pipeline.JobEvaluate, "classes", 3},
		{"metrics-record", []string{"metrics", filepath.Join(temp, "pred.png"), "--reference", "ref.jsonl.gz", "--record", "2"}, pipeline.JobEvaluate, "record", 2},
		{"prepare", []string{"prepare", temp, "--train-batch", "4"}, pipeline.JobPrepare, "train_batch", 4},
		{"prepare-label", []string{"prepare", temp, "--class-label", "landcover"}, pipeline.JobPrepare, "class_label", "landcover"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root, fakePipe, _ := newTestRoot(t)
			if _, err := run(root, tc.args...); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if len(fakePipe.jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
			}
			job := fakePipe.jobs[0]
			if job.Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, job.Type)
			}
			if job.Options[tc.option] != tc.want {
				t.Fatalf("expected option %s=%v, got %v", tc.option, tc.want, job.Options[tc.option])
			}
		})
	}
}

func TestJobCommandsValidateArguments(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if _, err := run(root, "indices"); err == nil {
		t.Fatalf("expected error for missing indices input")
	}
	root, _, _ = newTestRoot(t)
	if _, err := run(root, "metrics", "pred.png"); err == nil {
		t.Fatalf("expected error for missing reference")
	}
}

func TestBuildRecordsGraph(t *testing.T) {
	root, _, store := newTestRoot(t)
	out, err := run(root, "build", "--shape", "64,64,3", "--classes", "2")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	var sum unet.Summary
	if err := json.Unmarshal(out, &sum); err != nil {
		t.Fatalf("decode summary: %v (%s)", err, out)
	}
	if sum.Output != (unet.Shape{H: 64, W: 64, C: 2}) {
		t.Fatalf("unexpected output shape %s", sum.Output)
	}
	if _, err := store.Graph(sum.Digest); err != nil {
		t.Fatalf("graph not recorded: %v", err)
	}
}

func TestBuildRejectsShape(t *testing.T) {
	root, _, store := newTestRoot(t)
	_, err := run(root, "build", "--height", "64", "--width", "32", "--channels", "3")
	if !errors.Is(err, unet.NonSquareInput) {
		t.Fatalf("expected NonSquareInput, got %v", err)
	}
	if graphs, _ := store.RecentGraphs(10); len(graphs) != 0 {
		t.Fatalf("rejected build should not be recorded")
	}
}

func TestValidateCommand(t *testing.T) {
	root, _, _ := newTestRoot(t)
	out, err := run(root, "validate", "--shape", "64,64,4", "--variant", "transfer")
	if !errors.Is(err, unet.IncompatibleChannelCount) {
		t.Fatalf("expected IncompatibleChannelCount, got %v", err)
	}
	if !strings.Contains(string(out), `"valid": false`) {
		t.Fatalf("expected rejection output, got %s", out)
	}

	root, _, _ = newTestRoot(t)
	out, err = run(root, "validate", "--shape", "64,64,3", "--variant", "transfer")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(string(out), `"valid": true`) {
		t.Fatalf("expected valid output, got %s", out)
	}
}

func TestSplitWritesSubsets(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "patches.jsonl.gz")
	recs := make([]dataset.Record, 10)
	for i := range recs {
		recs[i] = dataset.Record{"B1": {float64(i)}}
	}
	if err := dataset.WriteFile(input, recs); err != nil {
		t.Fatalf("write patches: %v", err)
	}

	outDir := filepath.Join(dir, "split")
	if _, err := run(root, "split", input, "--output", outDir, "--train", "0.6", "--test", "0.2", "--valid", "0.2"); err != nil {
		t.Fatalf("split failed: %v", err)
	}
	want := map[string]int{"train": 6, "test": 2, "valid": 2}
	for name, n := range want {
		got, err := dataset.ReadFiles([]string{filepath.Join(outDir, name+".jsonl.gz")})
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(got) != n {
			t.Fatalf("%s: expected %d records, got %d", name, n, len(got))
		}
	}

	root, _, _ = newTestRoot(t)
	if _, err := run(root, "split", input, "--output", outDir, "--train", "0.9", "--test", "0.2", "--valid", "0"); err == nil {
		t.Fatalf("expected error for proportions above 1")
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, r *Root, addr string) error {
		called = true
		if addr != ":9999" {
			t.Fatalf("unexpected addr %s", addr)
		}
		return nil
	}
	if _, err := run(root, "serve", "--addr", ":9999"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestServeStartsWatcher(t *testing.T) {
	root, _, _ := newTestRoot(t)
	watched := make(chan []string, 1)
	root.watchFn = func(ctx context.Context, r *Root, dirs []string) error {
		watched <- dirs
		<-ctx.Done()
		return ctx.Err()
	}
	root.serveFn = func(ctx context.Context, r *Root, addr string) error {
		select {
		case dirs := <-watched:
			if len(dirs) != 1 || dirs[0] != "/data/patches" {
				t.Errorf("unexpected watch dirs %v", dirs)
			}
		case <-ctx.Done():
		}
		return nil
	}
	if _, err := run(root, "serve", "--watch", "/data/patches"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, _ := newTestRoot(t)
	out, err := run(root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(string(out), "network:") {
		t.Fatalf("expected yaml configuration, got %q", out)
	}

	root, _, _ = newTestRoot(t)
	if _, err = run(root, "config", "validate"); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}

	root, _, _ = newTestRoot(t)
	root.cfg.Dataset.TrainSplit = 0.9
	if _, err = run(root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error for splits above 1")
	}

	root, _, _ = newTestRoot(t)
	path := filepath.Join(t.TempDir(), "geoseg.yaml")
	if _, err = run(root, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := config.LoadFile(path); err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	root, _, _ = newTestRoot(t)
	if _, err = run(root, "config", "init", path); err == nil {
		t.Fatalf("expected error when config exists")
	}

	root, _, _ = newTestRoot(t)
	out, err = run(root, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(string(out), "geoseg v"+Version) {
		t.Fatalf("expected version string, got %q", out)
	}
}

func TestJobsCommandListsStore(t *testing.T) {
	root, _, store := newTestRoot(t)
	if err := store.RecordJobQueued(storage.JobRecord{ID: "job-1", JobType: "build", Status: "queued"}); err != nil {
		t.Fatalf("record job: %v", err)
	}
	out, err := run(root, "jobs")
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	var recs []storage.JobRecord
	if err := json.Unmarshal(out, &recs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "job-1" {
		t.Fatalf("unexpected jobs %+v", recs)
	}

	root.out = &bytes.Buffer{}
	if _, err := run(root, "jobs", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobBuild}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error from pipeline result, got %v", err)
	}

	root.pipeline = nil
	if _, err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatalf("expected error without a pipeline")
	}
}

func TestNewRootWithoutPipeline(t *testing.T) {
	root := NewRoot(nil, config.Default(), logging.Discard(), nil)
	if root.pipeline != nil {
		t.Fatalf("expected a nil pipeline client")
	}
	if _, err := root.livePipeline(); err == nil {
		t.Fatalf("expected error for missing pipeline")
	}
}

// Test helpers

func run(root *Root, args ...string) ([]byte, error) {
	buf := &bytes.Buffer{}
	root.out = buf
	cmd := newRootCmd(root)
	cmd.SetArgs(append([]string{"-o", "json"}, args...))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	return buf.Bytes(), err
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *storage.Store) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.OutputDir = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "geoseg.db")

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pipe := newFakePipeline()
	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logging.Discard(),
		store:    store,
		serveFn:  defaultServe,
		grpcFn:   defaultGRPC,
		watchFn:  defaultWatch,
	}
	return root, pipe, store
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) (pipeline.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == "" {
		job.ID = "fake-" + string(job.Type)
	}
	f.jobs = append(f.jobs, job)
	res := pipeline.Result{Job: job, Error: f.jobErrors[job.ID], Meta: map[string]any{"ok": true}}
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
	return job, nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 4)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}
