package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/geoseg/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for geoseg.
type Config struct {
	Network    Network    `json:"network" yaml:"network"`
	Dataset    Dataset    `json:"dataset" yaml:"dataset"`
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Server     Server     `json:"server" yaml:"server"`
}

// Network is the default architecture used when a request omits one.
type Network struct {
	Height   int    `json:"height" yaml:"height"`
	Width    int    `json:"width" yaml:"width"`
	Channels int    `json:"channels" yaml:"channels"`
	Classes  int    `json:"classes" yaml:"classes"`
	Variant  string `json:"variant" yaml:"variant"` // plain, vgg19 (transfer), resnet50
	Seed     uint64 `json:"seed" yaml:"seed"`       // weight initialisation
}

// Dataset controls how patch records are split, parsed and batched.
type Dataset struct {
	Bands         []string `json:"bands" yaml:"bands"`
	ClassLabel    string   `json:"class_label" yaml:"class_label"`
	PatchDims     []int    `json:"patch_dims" yaml:"patch_dims"`
	TrainSplit    float64  `json:"train_split" yaml:"train_split"`
	TestSplit     float64  `json:"test_split" yaml:"test_split"`
	ValidSplit    float64  `json:"valid_split" yaml:"valid_split"` // 0 disables the validation subset
	TrainBatch    int      `json:"train_batch" yaml:"train_batch"`
	TestBatch     int      `json:"test_batch" yaml:"test_batch"`
	ValidBatch    int      `json:"valid_batch" yaml:"valid_batch"` // 0 means the test batch size
	ShuffleBuffer int      `json:"shuffle_buffer" yaml:"shuffle_buffer"`
	ParallelCalls int      `json:"parallel_calls" yaml:"parallel_calls"`
	Seed          int64    `json:"seed" yaml:"seed"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs"`
	QueueSize    int `json:"queue_size" yaml:"queue_size"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // also write a dated log file
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures storage and input/output locations.
type Paths struct {
	DatabasePath   string   `json:"database_path" yaml:"database_path"`
	DatabaseDriver string   `json:"database_driver" yaml:"database_driver"` // sqlite (pure Go) or sqlite3 (cgo)
	OutputDir      string   `json:"output_dir" yaml:"output_dir"`
	WeightsDir     string   `json:"weights_dir" yaml:"weights_dir"`
	WatchDirs      []string `json:"watch_dirs" yaml:"watch_dirs"`
}

// Server configures the network listeners.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Path returns the config file location, honouring GEOSEG_CONFIG.
func Path() (string, error) {
	configPath := os.Getenv("GEOSEG_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the given file over the defaults. A missing file yields the
// defaults unchanged.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := decode(f, isYAML(path), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for i, dir := range cfg.Paths.WatchDirs {
		if cfg.Paths.WatchDirs[i], err = expandUser(dir); err != nil {
			return nil, err
		}
	}
	if cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(r io.Reader, asYAML bool, cfg *Config) error {
	if asYAML {
		err := yaml.NewDecoder(r).Decode(cfg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return json.NewDecoder(r).Decode(cfg)
}

// Marshal renders the config as "json" (indented) or "yaml".
func (c *Config) Marshal(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "json":
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "yaml", "yml":
		return yaml.Marshal(c)
	}
	return nil, fmt.Errorf("unknown config format %q", format)
}

// Save writes the config, creating parent directories. The format follows the
// file extension and defaults to JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	format := "json"
	if isYAML(path) {
		format = "yaml"
	}
	data, err := c.Marshal(format)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.ParallelJobs <= 0 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be positive, got %d", c.Processing.ParallelJobs))
	}
	switch strings.ToLower(c.Paths.DatabaseDriver) {
	case "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("paths.database_driver must be sqlite or sqlite3, got %q", c.Paths.DatabaseDriver))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	d := c.Dataset
	if len(d.PatchDims) != 2 || d.PatchDims[0] <= 0 || d.PatchDims[1] <= 0 {
		errs = append(errs, fmt.Errorf("dataset.patch_dims must be two positive integers, got %v", d.PatchDims))
	}
	if d.ClassLabel == "" {
		errs = append(errs, errors.New("dataset.class_label must be set"))
	}
	for name, p := range map[string]float64{"train_split": d.TrainSplit, "test_split": d.TestSplit, "valid_split": d.ValidSplit} {
		if p < 0 || p > 1 {
			errs = append(errs, fmt.Errorf("dataset.%s must be within [0, 1], got %g", name, p))
		}
	}
	if sum := d.TrainSplit + d.TestSplit + d.ValidSplit; math.Abs(sum-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("dataset splits must sum to 1, got %g", sum))
	}
	if d.TrainBatch <= 0 || d.TestBatch <= 0 || d.ValidBatch < 0 {
		errs = append(errs, errors.New("dataset batch sizes must be positive"))
	}
	if d.ShuffleBuffer <= 0 || d.ParallelCalls <= 0 {
		errs = append(errs, errors.New("dataset.shuffle_buffer and dataset.parallel_calls must be positive"))
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Network: Network{
			Height:   256,
			Width:    256,
			Channels: 12,
			Classes:  7,
			Variant:  "plain",
			Seed:     1,
		},
		Dataset: Dataset{
			Bands:         []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7", "B8", "B8A", "B9", "B11", "B12"},
			ClassLabel:    "classes",
			PatchDims:     []int{256, 256},
			TrainSplit:    0.7,
			TestSplit:     0.2,
			ValidSplit:    0.1,
			TrainBatch:    16,
			TestBatch:     8,
			ShuffleBuffer: 10,
			ParallelCalls: 5,
			Seed:          1,
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    64,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath:   filepath.Join(os.TempDir(), "geoseg.db"),
			DatabaseDriver: "sqlite",
			OutputDir:      "./output",
			WeightsDir:     "./weights",
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
