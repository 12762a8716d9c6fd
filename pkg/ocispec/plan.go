package ocispec

import (
	"encoding/json"
	"time"
)

// Plan is the declarative build input parsed from a plan JSON file: a
// repository name, a set of tags, and one or more platform builds.
type Plan struct {
	Name      string         `json:"name"`
	Tags      []string       `json:"tags"`
	Platforms []PlanPlatform `json:"platforms"`
	Config    *PlanConfig    `json:"config,omitempty"`
}

// UnmarshalPlan parses raw plan JSON, the format named in the plan file
// field of the external interfaces: fields not listed above are ignored.
func UnmarshalPlan(data []byte) (Plan, error) {
	var p Plan
	err := json.Unmarshal(data, &p)
	return p, err
}

// PlanPlatform is one platform's build: its architecture/variant and the
// ordered layers that build its filesystem, plus any platform-specific
// config overrides.
type PlanPlatform struct {
	Architecture string      `json:"architecture"`
	Variant      string      `json:"variant,omitempty"`
	Config       *PlanConfig `json:"config,omitempty"`
	Layers       []PlanLayer `json:"layers"`
}

// PlanLayerType names how a PlanLayer's Source should be interpreted.
type PlanLayerType string

const (
	// PlanLayerDirectory walks Source as a directory tree and tars it.
	PlanLayerDirectory PlanLayerType = "dir"
	// PlanLayerTar treats Source as an already-built tar archive, uploaded
	// unchanged as an uncompressed tar layer (its digest is also its diff ID).
	PlanLayerTar PlanLayerType = "tar"
	// PlanLayerImage pulls Source as an existing image reference and
	// re-pushes its layers into the target repository.
	PlanLayerImage PlanLayerType = "image"
)

// PlanLayer is one layer contribution to a platform build.
type PlanLayer struct {
	Type      PlanLayerType `json:"type"`
	Source    string        `json:"source"`
	Comment   string        `json:"comment,omitempty"`
	Whitelist []string      `json:"whitelist,omitempty"`
	Blacklist []string      `json:"blacklist,omitempty"`
}

// PlanConfig is the build-time shape of RunConfig: the same runtime
// defaults, written with the plan file's own JSON field names (which differ
// from the baked image config's PascalCase Docker convention).
type PlanConfig struct {
	User         string              `json:"user,omitempty"`
	ExposedPorts map[string]struct{} `json:"ports,omitempty"`
	Environment  []string            `json:"environment,omitempty"`
	Entrypoint   []string            `json:"entrypoint,omitempty"`
	Cmd          []string            `json:"cmd,omitempty"`
	Volumes      map[string]struct{} `json:"volumes,omitempty"`
	WorkingDir   string              `json:"workingDir,omitempty"`
	Labels       map[string]string   `json:"labels,omitempty"`
	StopSignal   string              `json:"stopSignal,omitempty"`
	ArgsEscaped  bool                `json:"argsEscaped,omitempty"`
	Memory       int64               `json:"memory,omitempty"`
	MemorySwap   int64               `json:"swap,omitempty"`
	CPUShares    int64               `json:"cpu,omitempty"`
	Healthcheck  *PlanHealthcheck    `json:"healthcheck,omitempty"`
}

// PlanHealthcheck is PlanConfig's healthcheck sub-block.
type PlanHealthcheck struct {
	Test        []string      `json:"test,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	StartPeriod time.Duration `json:"startPeriod,omitempty"`
	Retries     int           `json:"retries,omitempty"`
	Disable     bool          `json:"disable,omitempty"`
}

// ToRunConfig converts a PlanConfig into the baked-image RunConfig shape.
func (c *PlanConfig) ToRunConfig() *RunConfig {
	if c == nil {
		return nil
	}
	rc := &RunConfig{
		User:         c.User,
		ExposedPorts: c.ExposedPorts,
		Env:          c.Environment,
		Entrypoint:   c.Entrypoint,
		Cmd:          c.Cmd,
		Volumes:      c.Volumes,
		WorkingDir:   c.WorkingDir,
		Labels:       c.Labels,
		StopSignal:   c.StopSignal,
		ArgsEscaped:  c.ArgsEscaped,
		Memory:       c.Memory,
		MemorySwap:   c.MemorySwap,
		CPUShares:    c.CPUShares,
	}
	if c.Healthcheck != nil {
		rc.Healthcheck = &Healthcheck{
			Test:        c.Healthcheck.Test,
			Interval:    c.Healthcheck.Interval,
			Timeout:     c.Healthcheck.Timeout,
			StartPeriod: c.Healthcheck.StartPeriod,
			Retries:     c.Healthcheck.Retries,
			Disable:     c.Healthcheck.Disable,
		}
	}
	return rc
}
