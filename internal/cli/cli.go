package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"geoseg/internal/config"
	"geoseg/internal/pipeline"
	"geoseg/internal/storage"

	"github.com/mattn/go-isatty"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// serviceFunc runs a long-lived service until ctx is cancelled.
type serviceFunc func(ctx context.Context, r *Root, addr string) error

// watchFunc runs the directory watcher until ctx is cancelled.
type watchFunc func(ctx context.Context, r *Root, dirs []string) error

// Root wires CLI commands to the pipeline and the store.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
	format   string // "", "json" or "table"
	serveFn  serviceFunc
	grpcFn   serviceFunc
	watchFn  watchFunc
}

// NewRoot constructs the CLI root. pl and store may be nil for commands that
// run without them.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		out:     os.Stdout,
		serveFn: defaultServe,
		grpcFn:  defaultGRPC,
		watchFn: defaultWatch,
	}
	if pl != nil {
		r.pipeline = pl
	}
	return r
}

// structured reports whether output should be JSON: forced by --output, or
// because stdout is not a terminal.
func (r *Root) structured() bool {
	switch r.format {
	case "json":
		return true
	case "table":
		return false
	}
	f, ok := r.out.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// emit writes v as JSON, or calls table for a human readable rendering.
func (r *Root) emit(v any, table func(w io.Writer)) error {
	if r.structured() || table == nil {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, fmt.Errorf("job pipeline is not running")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	job, err := r.enqueue(ctx, job)
	if err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) (pipeline.Job, error) {
	select {
	case <-ctx.Done():
		return job, ctx.Err()
	default:
	}

	job, err := r.pipeline.Submit(job)
	if err != nil {
		return job, err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return job, nil
}
