package compiler

import (
	"embed"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config/*.yaml
var configFiles embed.FS

// OutputProfile describes one output kind: its timeout budget, size caps,
// and how the decoder recognizes the result.
type OutputProfile struct {
	Kind           string `yaml:"kind"`
	FileType       string `yaml:"file_type"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxOutputBytes int64  `yaml:"max_output_bytes"`
	// MagicPrefix is an optional byte prefix the decoder checks (e.g.
	// "<svg" for SVG output). Empty means no prefix check.
	MagicPrefix string `yaml:"magic_prefix"`
}

// Timeout returns the profile's per-request timeout.
func (p *OutputProfile) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type profileFile struct {
	MaxSourceBytes int64           `yaml:"max_source_bytes"`
	Outputs        []OutputProfile `yaml:"outputs"`
}

// ProfileRegistry holds the compiler output profiles loaded from the
// embedded YAML file.
type ProfileRegistry struct {
	mu             sync.RWMutex
	maxSourceBytes int64
	outputs        map[OutputKind]*OutputProfile
}

// NewProfileRegistry loads the embedded profile file.
func NewProfileRegistry() (*ProfileRegistry, error) {
	data, err := configFiles.ReadFile("config/profiles.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read compiler profiles: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compiler profiles: %w", err)
	}

	r := &ProfileRegistry{
		maxSourceBytes: file.MaxSourceBytes,
		outputs:        make(map[OutputKind]*OutputProfile, len(file.Outputs)),
	}
	for i := range file.Outputs {
		p := file.Outputs[i]
		kind := OutputKind(p.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("profile for unknown output kind %q", p.Kind)
		}
		r.outputs[kind] = &p
	}

	for _, required := range []OutputKind{OutputSTL, OutputSVG} {
		if _, ok := r.outputs[required]; !ok {
			return nil, fmt.Errorf("missing profile for output kind %q", required)
		}
	}

	return r, nil
}

// Profile returns the profile for an output kind.
func (r *ProfileRegistry) Profile(kind OutputKind) (*OutputProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.outputs[kind]
	if !ok {
		return nil, fmt.Errorf("no profile for output kind %q", kind)
	}
	return p, nil
}

// MaxSourceBytes returns the configured source size cap.
func (r *ProfileRegistry) MaxSourceBytes() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxSourceBytes
}
