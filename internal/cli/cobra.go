package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"geoseg/internal/config"
	"geoseg/internal/dataset"
	"geoseg/internal/fsutil"
	"geoseg/internal/grpcserver"
	"geoseg/internal/logging"
	"geoseg/internal/pipeline"
	"geoseg/internal/server"
	"geoseg/internal/storage"
	"geoseg/internal/unet"
	"geoseg/internal/watch"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Version is reported by the version command.
var Version = "0.3.0"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "geoseg",
		Short: "geoseg builds U-Net segmentation networks for multispectral imagery",
		Long: `geoseg assembles U-Net encoder/decoder topologies for land cover
segmentation, prepares patch datasets, runs inference and scores class maps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&root.format, "output-format", "o", "", "output format: json or table (default: table on a terminal)")

	rootCmd.AddCommand(newBuildCmd(root))
	rootCmd.AddCommand(newValidateCmd(root))
	rootCmd.AddCommand(newSplitCmd(root))
	rootCmd.AddCommand(newPrepareCmd(root))
	rootCmd.AddCommand(newIndicesCmd(root))
	rootCmd.AddCommand(newPredictCmd(root))
	rootCmd.AddCommand(newMetricsCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newGraphsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newGRPCCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

// archFlags are shared by commands that resolve an architecture.
type archFlags struct {
	height, width, channels, classes int
	variant                          string
	shape                            []int
}

func (a *archFlags) register(cmd *cobra.Command, n config.Network) {
	cmd.Flags().IntVar(&a.height, "height", n.Height, "input height in pixels")
	cmd.Flags().IntVar(&a.width, "width", n.Width, "input width in pixels")
	cmd.Flags().IntVar(&a.channels, "channels", n.Channels, "number of input bands")
	cmd.Flags().IntVar(&a.classes, "classes", n.Classes, "number of output classes")
	cmd.Flags().StringVar(&a.variant, "variant", n.Variant, "encoder variant: plain, vgg19 (transfer) or resnet50")
	cmd.Flags().IntSliceVar(&a.shape, "shape", nil, "input shape as height,width,channels (overrides the individual flags)")
}

func (a *archFlags) request() pipeline.BuildRequest {
	return pipeline.BuildRequest{
		Shape:    a.shape,
		Height:   a.height,
		Width:    a.width,
		Channels: a.channels,
		Classes:  a.classes,
		Variant:  a.variant,
	}
}

// options converts the flags into job options understood by the router.
func (a *archFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{}
	for _, name := range []string{"height", "width", "channels", "classes"} {
		if cmd.Flags().Changed(name) {
			v, _ := cmd.Flags().GetInt(name)
			opts[name] = v
		}
	}
	if len(a.shape) == 3 {
		opts["height"], opts["width"], opts["channels"] = a.shape[0], a.shape[1], a.shape[2]
	}
	if cmd.Flags().Changed("variant") {
		opts["variant"] = a.variant
	}
	return opts
}

func newBuildCmd(root *Root) *cobra.Command {
	var (
		arch    archFlags
		weights string
		save    bool
		seed    uint64
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a U-Net and print its topology summary",
		Long: `Assemble the network for the given input shape and class count. The
graph is recorded in the local store; --weights also writes freshly
initialised parameters and --save writes them to the weights directory,
where predict finds them by topology digest.

Examples:
  geoseg build --shape 256,256,12 --classes 7
  geoseg build --shape 256,256,12 --classes 7 --save
  geoseg build --shape 224,224,3 --classes 2 --variant transfer --weights unet.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := arch.request().Config()
			if err != nil {
				return err
			}
			g, err := unet.Build(cfg)
			if err != nil {
				logging.LogValidationFailure(root.log, cfg, err)
				return err
			}
			sum := g.Summary()
			logging.LogBuildSummary(root.log, sum)
			if err := pipeline.RecordGraph(root.store, g); err != nil {
				root.log.Warn("failed to record graph", "digest", sum.Digest, "error", err)
			}
			if weights == "" && save {
				dir := root.cfg.Paths.WeightsDir
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
				weights = pipeline.WeightsPath(dir, g)
			}
			if weights != "" {
				if err := unet.SaveWeights(weights, g, unet.InitParams(g, seed)); err != nil {
					return fmt.Errorf("save weights: %w", err)
				}
				root.log.Info("weights written", "path", weights)
			}
			return root.emit(sum, func(w io.Writer) { printSummary(w, sum) })
		},
	}
	arch.register(cmd, root.cfg.Network)
	cmd.Flags().StringVar(&weights, "weights", "", "write initialised weights to this file")
	cmd.Flags().BoolVar(&save, "save", false, "write initialised weights to the weights directory")
	cmd.Flags().Uint64Var(&seed, "seed", root.cfg.Network.Seed, "weight initialisation seed")
	return cmd
}

func printSummary(w io.Writer, s unet.Summary) {
	fmt.Fprintf(w, "Name:\t%s\n", s.Name)
	fmt.Fprintf(w, "Variant:\t%s\n", s.Variant)
	fmt.Fprintf(w, "Encoder:\t%s\n", s.Encoder)
	fmt.Fprintf(w, "Input:\t%s\n", s.Input)
	fmt.Fprintf(w, "Bridge:\t%s\n", s.Bridge)
	fmt.Fprintf(w, "Output:\t%s\n", s.Output)
	fmt.Fprintf(w, "Nodes:\t%d (%d frozen)\n", s.Nodes, s.FrozenNodes)
	fmt.Fprintf(w, "Params:\t%s\n", humanize.Comma(int64(s.Params)))
	fmt.Fprintf(w, "Digest:\t%s\n", s.Digest)
	fmt.Fprintln(w, "\nSTAGE\tSKIP\tSHAPE\tFILTERS")
	for _, sk := range s.Skips {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", sk.Stage, sk.Name, sk.Shape, sk.Filters)
	}
}

func newValidateCmd(root *Root) *cobra.Command {
	var arch archFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check whether an architecture can be built",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := arch.request().Config()
			if err == nil {
				err = cfg.Validate()
			}
			var verr *unet.ValidationError
			if errors.As(err, &verr) {
				rej := map[string]any{"valid": false, "reason": verr.Reason.String(), "error": verr.Error()}
				if perr := root.emit(rej, func(w io.Writer) {
					fmt.Fprintf(w, "invalid\t%s\t%s\n", verr.Reason, verr.Error())
				}); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			return root.emit(map[string]any{"valid": true, "config": cfg}, func(w io.Writer) {
				fmt.Fprintf(w, "valid\t%s\n", cfg)
			})
		},
	}
	arch.register(cmd, root.cfg.Network)
	return cmd
}

func newSplitCmd(root *Root) *cobra.Command {
	var (
		output             string
		train, test, valid float64
		buffer             int
		seed               uint64
	)
	cmd := &cobra.Command{
		Use:   "split <patches.jsonl.gz|dir>...",
		Short: "Shuffle patch records into training, test and validation files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := fsutil.ExpandRecords(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no %s files found", fsutil.RecordsExt)
			}
			recs, err := dataset.ReadFiles(files)
			if err != nil {
				return err
			}
			splits, err := dataset.Split(recs, len(recs), dataset.SplitOptions{
				Train:         train,
				Test:          test,
				Valid:         valid,
				ShuffleBuffer: buffer,
				Seed:          seed,
			})
			if err != nil {
				return err
			}
			for _, warning := range splits.Warnings {
				root.log.Warn("split", "warning", warning)
			}
			if err := os.MkdirAll(output, 0o755); err != nil {
				return err
			}
			subsets := map[string][]dataset.Record{"train": splits.Train, "test": splits.Test}
			if valid > 0 {
				subsets["valid"] = splits.Valid
			}
			written := map[string]any{}
			for name, subset := range subsets {
				path := filepath.Join(output, name+".jsonl.gz")
				if err := dataset.WriteFile(path, subset); err != nil {
					return fmt.Errorf("write %s: %w", name, err)
				}
				written[name] = map[string]any{"path": path, "records": len(subset)}
			}
			report := map[string]any{
				"total":      len(recs),
				"train_size": splits.TrainSize,
				"test_size":  splits.TestSize,
				"valid_size": splits.ValidSize,
				"files":      written,
			}
			return root.emit(report, func(w io.Writer) {
				fmt.Fprintln(w, "SUBSET\tRECORDS\tPATH")
				for _, name := range []string{"train", "test", "valid"} {
					if subset, ok := subsets[name]; ok {
						fmt.Fprintf(w, "%s\t%d\t%s\n", name, len(subset), filepath.Join(output, name+".jsonl.gz"))
					}
				}
			})
		},
	}
	d := root.cfg.Dataset
	cmd.Flags().StringVar(&output, "output", ".", "directory for the split files")
	cmd.Flags().Float64Var(&train, "train", d.TrainSplit, "training proportion")
	cmd.Flags().Float64Var(&test, "test", d.TestSplit, "test proportion")
	cmd.Flags().Float64Var(&valid, "valid", d.ValidSplit, "validation proportion (0 disables)")
	cmd.Flags().IntVar(&buffer, "shuffle-buffer", d.ShuffleBuffer, "shuffle buffer size")
	cmd.Flags().Uint64Var(&seed, "seed", uint64(d.Seed), "shuffle seed")
	return cmd
}

func newPrepareCmd(root *Root) *cobra.Command {
	var (
		bands   []string
		label   string
		classes int
		train   int
		test    int
		valid   int
	)
	cmd := &cobra.Command{
		Use:   "prepare <patches.jsonl.gz|dir>",
		Short: "Split patch records and parse them into training batches",
		Long: `Select the configured bands, split the records into training, test and
validation subsets, parse and one-hot encode them and report the batch
counts. Defaults come from the dataset section of the config.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{"classes": classes}
			if len(bands) > 0 {
				opts["bands"] = bands
			}
			if label != "" {
				opts["class_label"] = label
			}
			if cmd.Flags().Changed("train-batch") {
				opts["train_batch"] = train
			}
			if cmd.Flags().Changed("test-batch") {
				opts["test_batch"] = test
			}
			if cmd.Flags().Changed("valid-batch") {
				opts["valid_batch"] = valid
			}
			return root.runJob(cmd.Context(), pipeline.NewJob(pipeline.JobPrepare, args[0], "", opts))
		},
	}
	d := root.cfg.Dataset
	cmd.Flags().StringSliceVar(&bands, "bands", nil, "bands to stack (default: dataset.bands)")
	cmd.Flags().StringVar(&label, "class-label", "", "label band (default: dataset.class_label)")
	cmd.Flags().IntVar(&classes, "classes", root.cfg.Network.Classes, "number of classes")
	cmd.Flags().IntVar(&train, "train-batch", d.TrainBatch, "training batch size")
	cmd.Flags().IntVar(&test, "test-batch", d.TestBatch, "test batch size")
	cmd.Flags().IntVar(&valid, "valid-batch", d.ValidBatch, "validation batch size (0 means the test size)")
	return cmd
}

func newIndicesCmd(root *Root) *cobra.Command {
	var sensor string
	cmd := &cobra.Command{
		Use:   "indices <patches.jsonl.gz> [output]",
		Short: "Append spectral indices (NDVI, NDWI, ...) to patch records",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.NewJob(pipeline.JobIndices, args[0], optionalArg(args, 1), map[string]any{"sensor": sensor})
			return root.runJob(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVar(&sensor, "sensor", "sentinel2", "sensor band layout: sentinel2, landsat57 or landsat8")
	return cmd
}

func newPredictCmd(root *Root) *cobra.Command {
	var (
		arch    archFlags
		weights string
		bands   []string
	)
	cmd := &cobra.Command{
		Use:   "predict <image|patches.jsonl.gz> [output_dir]",
		Short: "Run a network over a patch and write class maps",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := arch.options(cmd)
			if weights != "" {
				opts["weights"] = weights
			}
			if len(bands) > 0 {
				opts["bands"] = bands
			}
			job := pipeline.NewJob(pipeline.JobPredict, args[0], optionalArg(args, 1), opts)
			return root.runJob(cmd.Context(), job)
		},
	}
	arch.register(cmd, root.cfg.Network)
	cmd.Flags().StringVar(&weights, "weights", "", "weights file written by build")
	cmd.Flags().StringSliceVar(&bands, "bands", nil, "bands to stack from patch records")
	return cmd
}

func newMetricsCmd(root *Root) *cobra.Command {
	var (
		reference string
		record    int
		classes   int
		names     []string
		decimal   int
	)
	cmd := &cobra.Command{
		Use:   "metrics <prediction.png>",
		Short: "Score a predicted class map against a reference map",
		Long: `Score a predicted class map against a reference. The reference is either
a class map image or a patch records file, whose "classes" band of the
--record entry is the ground truth.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := map[string]any{
				"reference": reference,
				"record":    record,
				"classes":   classes,
				"decimal":   decimal,
			}
			if len(names) > 0 {
				opts["metrics"] = names
			}
			return root.runJob(cmd.Context(), pipeline.NewJob(pipeline.JobEvaluate, args[0], "", opts))
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "reference class map or patch records file")
	cmd.Flags().IntVar(&record, "record", 0, "record index when the reference is a patch records file")
	cmd.Flags().IntVar(&classes, "classes", root.cfg.Network.Classes, "number of classes")
	cmd.Flags().StringSliceVar(&names, "metrics", nil, "metrics to report (default: all)")
	cmd.Flags().IntVar(&decimal, "decimal", 4, "decimal places")
	_ = cmd.MarkFlagRequired("reference")
	return cmd
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

// runJob submits a job, waits for it and prints its result meta.
func (r *Root) runJob(ctx context.Context, job pipeline.Job) error {
	res, err := r.enqueueAndWait(ctx, job)
	if res.Job.ID == "" {
		return err
	}
	if perr := r.emit(res.Event(), func(w io.Writer) { printMeta(w, res.Meta) }); perr != nil {
		return perr
	}
	return err
}

func printMeta(w io.Writer, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s:\t%v\n", k, meta[k])
	}
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List recent jobs or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("no job store")
			}
			if len(args) == 1 {
				rec, err := root.store.Job(args[0])
				if err != nil {
					return err
				}
				meta, err := root.store.JobMeta(args[0])
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				return root.emit(map[string]any{"job": rec, "meta": meta}, func(w io.Writer) {
					printJobs(w, []storage.JobRecord{rec})
					fmt.Fprintln(w)
					printMeta(w, meta)
				})
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			return root.emit(recs, func(w io.Writer) { printJobs(w, recs) })
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")
	return cmd
}

func printJobs(w io.Writer, recs []storage.JobRecord) {
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED\tINPUT")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, humanize.Time(rec.CreatedAt), rec.InputPath)
	}
}

func newGraphsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "graphs [digest]",
		Short: "List recorded network graphs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("no graph store")
			}
			var recs []storage.GraphRecord
			if len(args) == 1 {
				rec, err := root.store.Graph(args[0])
				if err != nil {
					return err
				}
				recs = append(recs, rec)
			} else {
				var err error
				if recs, err = root.store.RecentGraphs(limit); err != nil {
					return err
				}
			}
			return root.emit(recs, func(w io.Writer) {
				fmt.Fprintln(w, "DIGEST\tVARIANT\tNODES\tPARAMS\tBUILDS\tCREATED")
				for _, rec := range recs {
					fmt.Fprintf(w, "%.12s\t%s\t%d\t%s\t%d\t%s\n", rec.Digest, rec.Variant, rec.Nodes,
						humanize.Comma(int64(rec.Params)), rec.Builds, humanize.Time(rec.CreatedAt))
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of graphs to list")
	return cmd
}

// livePipeline returns the concrete pipeline for the long-running services.
func (r *Root) livePipeline() (*pipeline.Pipeline, error) {
	pl, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok || pl == nil {
		return nil, fmt.Errorf("pipeline unavailable for server startup")
	}
	return pl, nil
}

func defaultServe(ctx context.Context, r *Root, addr string) error {
	pl, err := r.livePipeline()
	if err != nil {
		return err
	}
	return server.New(addr, r.store, pl, r.log).Start(ctx)
}

func defaultGRPC(ctx context.Context, r *Root, addr string) error {
	pl, err := r.livePipeline()
	if err != nil {
		return err
	}
	return grpcserver.NewModelServer(r.store, pl, r.log).Serve(ctx, addr)
}

func defaultWatch(ctx context.Context, r *Root, dirs []string) error {
	if r.pipeline == nil {
		return errors.New("job pipeline is not running")
	}
	w, err := watch.New(dirs, r.pipeline, r.log, watch.WithOutputDir(r.cfg.Paths.OutputDir))
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with optional patch monitoring",
		Long: `Start an HTTP server for network builds, job submission and job streaming.
Directories passed with --watch are monitored and new patches are queued
for prediction.

Examples:
  geoseg serve --addr :8080
  geoseg serve --addr :8080 --watch /data/patches`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			root.log.Info("starting server", "addr", addr, "watch_paths", watchPaths)
			errCh := make(chan error, 1)
			if len(watchPaths) > 0 {
				go func() {
					if err := root.watchFn(ctx, root, watchPaths); err != nil && !errors.Is(err, context.Canceled) {
						errCh <- err
						cancel()
					}
				}()
			}
			err := root.serveFn(ctx, root, addr)
			select {
			case werr := <-errCh:
				return errors.Join(err, werr)
			default:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "server address (host:port)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", root.cfg.Paths.WatchDirs, "directories to monitor for new patches")
	return cmd
}

func newGRPCCmd(root *Root) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "grpc",
		Short: "Start the gRPC model service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.grpcFn(cmd.Context(), root, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.GRPCAddr, "listen address (host:port)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [dir]...",
		Short: "Queue predictions for patches dropped into directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = root.cfg.Paths.WatchDirs
			}
			if len(dirs) == 0 {
				return errors.New("no directories to watch")
			}
			if root.pipeline == nil {
				return errors.New("job pipeline is not running")
			}
			err := root.watchFn(cmd.Context(), root, dirs)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(root.out, "geoseg v%s\n", Version)
			fmt.Fprintf(root.out, "Built with Go %s\n", runtime.Version())
			fmt.Fprintf(root.out, "Variants: %s\n", strings.Join(variantNames(), ", "))
		},
	}
}

func variantNames() []string {
	var names []string
	for _, v := range unet.Variants() {
		names = append(names, string(v))
	}
	return names
}
