package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"geoseg/internal/config"
	"geoseg/internal/dataset"
	"geoseg/internal/fsutil"
	"geoseg/internal/imagery"
	"geoseg/internal/logging"
	"geoseg/internal/metrics"
	"geoseg/internal/spectral"
	"geoseg/internal/storage"
	"geoseg/internal/tensor"
	"geoseg/internal/unet"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	network    config.Network
	dataset    config.Dataset
	outDir     string
	weightsDir string

	loadPatch     func(path string, channels int) (*tensor.Tensor, error)
	writeClassMap func(path string, labels []int, width, height, classes int) error
	readClassMap  func(path string, classes int) ([]int, int, int, error)
}

func newRouter(cfg *config.Config, logger *slog.Logger, store *storage.Store) Processor {
	return &router{
		log:           logger,
		store:         store,
		network:       cfg.Network,
		dataset:       cfg.Dataset,
		outDir:        cfg.Paths.OutputDir,
		weightsDir:    cfg.Paths.WeightsDir,
		loadPatch:     imagery.LoadPatch,
		writeClassMap: imagery.WriteClassMap,
		readClassMap:  imagery.ReadClassMap,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobBuild:
		return r.handleBuild(ctx, job)
	case JobPredict:
		return r.handlePredict(ctx, job)
	case JobEvaluate:
		return r.handleEvaluate(ctx, job)
	case JobIndices:
		return r.handleIndices(ctx, job)
	case JobPrepare:
		return r.handlePrepare(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// architecture starts from the configured network and applies job overrides.
func (r *router) architecture(opts map[string]any) (unet.ArchitectureConfig, error) {
	cfg := unet.ArchitectureConfig{
		Height:   intOpt(opts, "height", r.network.Height),
		Width:    intOpt(opts, "width", r.network.Width),
		Channels: intOpt(opts, "channels", r.network.Channels),
		Classes:  intOpt(opts, "classes", r.network.Classes),
	}
	v, err := unet.ParseVariant(stringOpt(opts, "variant", r.network.Variant))
	if err != nil {
		return cfg, err
	}
	cfg.Variant = v
	return cfg, nil
}

func (r *router) build(opts map[string]any) (*unet.Graph, unet.ArchitectureConfig, error) {
	cfg, err := r.architecture(opts)
	if err != nil {
		return nil, cfg, err
	}
	g, err := unet.Build(cfg)
	if err != nil {
		logging.LogValidationFailure(r.log, cfg, err)
		return nil, cfg, err
	}
	sum := g.Summary()
	logging.LogBuildSummary(r.log, sum)
	if err := RecordGraph(r.store, g); err != nil {
		r.log.Warn("failed to record graph", "digest", sum.Digest, "error", err)
	}
	return g, cfg, nil
}

func reasonMeta(err error) map[string]any {
	var verr *unet.ValidationError
	if errors.As(err, &verr) {
		return map[string]any{"reason": verr.Reason.String()}
	}
	return nil
}

func (r *router) handleBuild(ctx context.Context, job Job) Result {
	g, _, err := r.build(job.Options)
	if err != nil {
		return Result{Job: job, Error: err, Meta: reasonMeta(err)}
	}
	sum := g.Summary()
	meta := map[string]any{
		"name":    sum.Name,
		"digest":  sum.Digest,
		"nodes":   sum.Nodes,
		"params":  sum.Params,
		"frozen":  sum.FrozenNodes,
		"input":   sum.Input.String(),
		"output":  sum.Output.String(),
		"encoder": sum.Encoder,
	}
	out := job.Output
	if out == "" && boolOpt(job.Options, "save") {
		if r.weightsDir == "" {
			return Result{Job: job, Error: errors.New("no weights directory configured"), Meta: meta}
		}
		if err := os.MkdirAll(r.weightsDir, 0o755); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		out = WeightsPath(r.weightsDir, g)
	}
	if out != "" {
		params := unet.InitParams(g, uint64(intOpt(job.Options, "seed", int(r.network.Seed))))
		if err := unet.SaveWeights(out, g, params); err != nil {
			return Result{Job: job, Error: fmt.Errorf("save weights: %w", err), Meta: meta}
		}
		meta["weights"] = out
	}
	return Result{Job: job, Meta: meta}
}

// weightsFile names the weights to load for g: the "weights" option, else the
// file under the weights directory if one was saved for this digest.
func (r *router) weightsFile(g *unet.Graph, opts map[string]any) string {
	if path := stringOpt(opts, "weights", ""); path != "" {
		return path
	}
	if r.weightsDir == "" {
		return ""
	}
	path := WeightsPath(r.weightsDir, g)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func (r *router) params(g *unet.Graph, opts map[string]any) (*unet.Params, int, error) {
	params := unet.InitParams(g, uint64(intOpt(opts, "seed", int(r.network.Seed))))
	path := r.weightsFile(g, opts)
	if path == "" {
		return params, 0, nil
	}
	mw, err := unet.LoadWeights(path)
	if err != nil {
		return nil, 0, err
	}
	if mw.Digest != "" && mw.Digest != g.Digest() {
		r.log.Warn("weights were saved for a different topology", "weights", path, "digest", mw.Digest)
	}
	n, err := params.Import(g, mw)
	return params, n, err
}

// patches loads prediction inputs from an image or a patch records file.
func (r *router) patches(path string, cfg unet.ArchitectureConfig, opts map[string]any) ([]*tensor.Tensor, error) {
	if fsutil.IsImageFile(path) {
		x, err := r.loadPatch(path, cfg.Channels)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{x}, nil
	}
	bands := stringsOpt(opts, "bands", r.dataset.Bands)
	if len(bands) != cfg.Channels {
		return nil, fmt.Errorf("%d bands selected for a %d channel network", len(bands), cfg.Channels)
	}
	batches, err := dataset.PredictionDataset([]string{path}, []int{cfg.Height, cfg.Width}, bands)
	if err != nil {
		return nil, err
	}
	out := make([]*tensor.Tensor, len(batches))
	for i, b := range batches {
		out[i] = b.X
	}
	return out, nil
}

func (r *router) outputDir(job Job) (string, error) {
	dir := job.Output
	if dir == "" {
		dir = r.outDir
	}
	if dir == "" {
		return "", errors.New("no output directory")
	}
	return dir, os.MkdirAll(dir, 0o755)
}

func (r *router) handlePredict(ctx context.Context, job Job) Result {
	g, cfg, err := r.build(job.Options)
	if err != nil {
		return Result{Job: job, Error: err, Meta: reasonMeta(err)}
	}
	xs, err := r.patches(job.InputPath, cfg, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dir, err := r.outputDir(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	params, loaded, err := r.params(g, job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	exec, err := unet.NewExecutor(g, params)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	var outputs []string
	for i, x := range xs {
		if err := ctx.Err(); err != nil {
			return Result{Job: job, Error: err}
		}
		labels, err := exec.Predict(x)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("patch %d: %w", i, err)}
		}
		out := filepath.Join(dir, fmt.Sprintf("%s_%03d.png", fsutil.Stem(job.InputPath), i))
		if err := r.writeClassMap(out, labels, cfg.Width, cfg.Height, cfg.Classes); err != nil {
			return Result{Job: job, Error: err}
		}
		outputs = append(outputs, out)
	}
	return Result{Job: job, Meta: map[string]any{
		"digest":         g.Digest(),
		"patches":        len(xs),
		"outputs":        outputs,
		"weights_loaded": loaded,
	}}
}

func (r *router) handleEvaluate(ctx context.Context, job Job) Result {
	classes := intOpt(job.Options, "classes", r.network.Classes)
	refPath := stringOpt(job.Options, "reference", "")
	if refPath == "" {
		return Result{Job: job, Error: errors.New("evaluate needs a reference class map")}
	}
	pred, pw, ph, err := r.readClassMap(job.InputPath, classes)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	var ref []int
	var rw, rh int
	if fsutil.IsRecordsFile(refPath) {
		ref, err = r.referenceRecord(refPath, pw, ph, intOpt(job.Options, "record", 0))
		rw, rh = pw, ph
	} else {
		ref, rw, rh, err = r.readClassMap(refPath, classes)
	}
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if pw != rw || ph != rh {
		return Result{Job: job, Error: fmt.Errorf("prediction is %dx%d, reference %dx%d", pw, ph, rw, rh)}
	}
	m, err := metrics.Compare(ref, pred, classes)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	report, err := m.Report(stringsOpt(job.Options, "metrics", metrics.AllMetrics()),
		intOpt(job.Options, "decimal", metrics.DefaultDecimalPlaces))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	report["pixels"] = int(m.Total())
	return Result{Job: job, Meta: report}
}

// referenceRecord reads the class band of one record from a patch file as the
// ground truth for a width x height prediction.
func (r *router) referenceRecord(path string, width, height, index int) ([]int, error) {
	maps, err := dataset.PredictionClasses([]string{path}, []int{height, width}, []string{dataset.ClassBand}, false, 0)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(maps) {
		return nil, fmt.Errorf("record %d out of range, %s holds %d", index, path, len(maps))
	}
	return maps[index].Labels, nil
}

func (r *router) handleIndices(ctx context.Context, job Job) Result {
	sensor, err := spectral.SensorByName(stringOpt(job.Options, "sensor", spectral.Sentinel2.Name))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	dims := r.dataset.PatchDims
	if len(dims) != 2 {
		return Result{Job: job, Error: fmt.Errorf("patch dims must have two values, got %v", dims)}
	}
	h, w := intOpt(job.Options, "height", dims[0]), intOpt(job.Options, "width", dims[1])

	recs, err := dataset.ReadFiles([]string{job.InputPath})
	if err != nil {
		return Result{Job: job, Error: err}
	}
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return Result{Job: job, Error: err}
		}
		raster, err := spectral.FromBands(w, h, rec)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("record %d: %w", i, err)}
		}
		if err := spectral.AddIndices(raster, sensor); err != nil {
			return Result{Job: job, Error: fmt.Errorf("record %d: %w", i, err)}
		}
		recs[i] = dataset.Record(raster.Bands)
	}

	out := job.Output
	if out == "" {
		dir, err := r.outputDir(job)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		out = filepath.Join(dir, fsutil.Stem(job.InputPath)+"_indices.jsonl.gz")
	}
	if err := dataset.WriteFile(out, recs); err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: map[string]any{
		"sensor":  sensor.Name,
		"records": len(recs),
		"indices": spectral.Indices,
		"output":  out,
	}}
}

// handlePrepare splits patch records and parses them into batches, reporting
// the batch counts per subset.
func (r *router) handlePrepare(ctx context.Context, job Job) Result {
	d := r.dataset
	files, err := fsutil.ExpandRecords([]string{job.InputPath})
	if err != nil {
		return Result{Job: job, Error: err}
	}
	recs, err := dataset.ReadFiles(files)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if len(recs) == 0 {
		return Result{Job: job, Error: fmt.Errorf("no patch records in %s", job.InputPath)}
	}

	available := make([]string, 0, len(recs[0]))
	for name := range recs[0] {
		available = append(available, name)
	}
	slices.Sort(available)
	dims := []int{intOpt(job.Options, "height", 0), intOpt(job.Options, "width", 0)}
	if dims[0] == 0 || dims[1] == 0 {
		dims = d.PatchDims
	}
	label := stringOpt(job.Options, "class_label", d.ClassLabel)
	specs, unknown, err := dataset.FeaturesDict(available, label, stringsOpt(job.Options, "bands", d.Bands), dims)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if len(unknown) > 0 {
		r.log.Warn("bands not present in patch records", "bands", unknown)
	}
	if len(specs) < 2 {
		return Result{Job: job, Error: errors.New("no input bands selected")}
	}

	splits, err := dataset.Split(recs, len(recs), dataset.SplitOptions{
		Train:         d.TrainSplit,
		Test:          d.TestSplit,
		Valid:         d.ValidSplit,
		ShuffleBuffer: d.ShuffleBuffer,
		Seed:          uint64(d.Seed),
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}
	for _, w := range splits.Warnings {
		r.log.Warn(w)
	}

	p := &dataset.Preparer{
		Features:      specs,
		Classes:       intOpt(job.Options, "classes", r.network.Classes),
		ClassLabel:    label,
		ParallelCalls: d.ParallelCalls,
		ShuffleBuffer: d.ShuffleBuffer,
		Seed:          uint64(d.Seed),
	}
	var valid []dataset.Record
	if d.ValidSplit > 0 {
		valid = splits.Valid
	}
	prepared, err := p.Prepare(ctx, splits.Train, splits.Test, valid, dataset.BatchSizes{
		Train: intOpt(job.Options, "train_batch", d.TrainBatch),
		Test:  intOpt(job.Options, "test_batch", d.TestBatch),
		Valid: intOpt(job.Options, "valid_batch", d.ValidBatch),
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}

	names := make([]string, 0, len(specs))
	for _, f := range specs {
		names = append(names, f.Name)
	}
	meta := map[string]any{
		"records":       len(recs),
		"features":      names,
		"input":         fmt.Sprintf("%dx%dx%d", dims[0], dims[1], len(specs)-1),
		"train_batches": len(prepared.Train),
		"test_batches":  len(prepared.Test),
		"valid_batches": len(prepared.Valid),
	}
	if len(unknown) > 0 {
		meta["unknown"] = unknown
	}
	if len(splits.Warnings) > 0 {
		meta["warnings"] = splits.Warnings
	}
	return Result{Job: job, Meta: meta}
}

// Options arrive as Go values from the CLI and as JSON values from the APIs.

func intOpt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func boolOpt(opts map[string]any, key string) bool {
	switch v := opts[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func stringOpt(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}

func stringsOpt(opts map[string]any, key string, def []string) []string {
	switch v := opts[key].(type) {
	case []string:
		if len(v) > 0 {
			return v
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		if len(out) > 0 {
			return out
		}
	case string:
		if v != "" {
			return strings.Split(v, ",")
		}
	}
	return def
}
