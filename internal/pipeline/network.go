package pipeline

import (
	"encoding/json"
	"path/filepath"

	"geoseg/internal/storage"
	"geoseg/internal/unet"
)

// BuildRequest is the wire form of an architecture used by the HTTP and gRPC
// APIs. Shape, when set, takes precedence over Height, Width and Channels.
type BuildRequest struct {
	Shape    []int  `json:"shape,omitempty"`
	Height   int    `json:"height,omitempty"`
	Width    int    `json:"width,omitempty"`
	Channels int    `json:"channels,omitempty"`
	Classes  int    `json:"classes"`
	Variant  string `json:"variant,omitempty"`
}

// Config resolves the request into an architecture. Shape arity is checked
// here since ArchitectureConfig cannot express a wrong arity. Shape failures are
// reported before an unknown variant.
func (r BuildRequest) Config() (unet.ArchitectureConfig, error) {
	cfg := unet.ArchitectureConfig{
		Height:   r.Height,
		Width:    r.Width,
		Channels: r.Channels,
		Classes:  r.Classes,
	}
	if r.Shape != nil {
		if err := unet.ValidateShape(r.Shape); err != nil {
			return cfg, err
		}
		cfg.Height, cfg.Width, cfg.Channels = r.Shape[0], r.Shape[1], r.Shape[2]
	}
	v, err := unet.ParseVariant(r.Variant)
	if err != nil {
		if serr := unet.ValidateShape(cfg.Shape()); serr != nil {
			return cfg, serr
		}
		return cfg, err
	}
	cfg.Variant = v
	return cfg, nil
}

// WeightsPath is where weights for g live under dir when a job names no file.
func WeightsPath(dir string, g *unet.Graph) string {
	return filepath.Join(dir, g.Digest()[:16]+".json")
}

// RecordGraph stores a built graph keyed by its digest.
func RecordGraph(store *storage.Store, g *unet.Graph) error {
	if store == nil {
		return nil
	}
	sum := g.Summary()
	cfgJSON, err := json.Marshal(g.Config)
	if err != nil {
		return err
	}
	return store.RecordGraph(storage.GraphRecord{
		Digest:     sum.Digest,
		Name:       sum.Name,
		Variant:    string(sum.Variant),
		ConfigJSON: string(cfgJSON),
		Signature:  g.Signature(),
		Nodes:      sum.Nodes,
		Params:     sum.Params,
	})
}
