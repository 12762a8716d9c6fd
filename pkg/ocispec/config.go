package ocispec

import (
	"encoding/json"
	"time"
)

// RunConfig is the OCI image config's "config" object: the Docker-style
// runtime defaults (entrypoint, env, exposed ports, ...) baked into an
// image, distinct from the build-time ImagePlanConfig that produces it.
type RunConfig struct {
	User         string              `json:"User,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	Entrypoint   []string            `json:"Entrypoint,omitempty"`
	Cmd          []string            `json:"Cmd,omitempty"`
	Volumes      map[string]struct{} `json:"Volumes,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	StopSignal   string              `json:"StopSignal,omitempty"`
	ArgsEscaped  bool                `json:"ArgsEscaped,omitempty"`
	Memory       int64               `json:"Memory,omitempty"`
	MemorySwap   int64               `json:"MemorySwap,omitempty"`
	CPUShares    int64               `json:"CpuShares,omitempty"`
	Healthcheck  *Healthcheck        `json:"Healthcheck,omitempty"`
}

// Healthcheck is the OCI/Docker image config healthcheck block.
type Healthcheck struct {
	Test        []string      `json:"Test,omitempty"`
	Interval    time.Duration `json:"Interval,omitempty"`
	Timeout     time.Duration `json:"Timeout,omitempty"`
	StartPeriod time.Duration `json:"StartPeriod,omitempty"`
	Retries     int           `json:"Retries,omitempty"`
	Disable     bool          `json:"Disable,omitempty"`
}

// RootFS describes the diff_ids chain that reconstructs the image's
// filesystem, in layer application order.
type RootFS struct {
	Type    string              `json:"type"`
	DiffIDs []string            `json:"diff_ids"`
}

// History is one build step's provenance entry.
type History struct {
	Created    time.Time `json:"created,omitempty"`
	Author     string    `json:"author,omitempty"`
	CreatedBy  string    `json:"created_by,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	EmptyLayer bool      `json:"empty_layer,omitempty"`
}

// Config is the OCI image config JSON, the blob a Manifest's Config
// descriptor points at.
type Config struct {
	Created      *time.Time `json:"created,omitempty"`
	Author       string     `json:"author,omitempty"`
	Architecture string     `json:"architecture"`
	OS           string     `json:"os"`
	OSVersion    string     `json:"os.version,omitempty"`
	OSFeatures   []string   `json:"os.features,omitempty"`
	Variant      string     `json:"variant,omitempty"`
	Config       *RunConfig `json:"config,omitempty"`
	RootFS       RootFS     `json:"rootfs"`
	History      []History  `json:"history,omitempty"`
}

// Marshal serializes the config as JSON. encoding/json already marshals
// struct fields in declaration order and map keys in sorted order, which is
// all the determinism a config blob needs to keep its digest stable across
// repeated (de)serialization of the same value — no separate canonicalizing
// encoder is required the way the tool this continues needed one.
func (c Config) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalConfig parses raw config JSON.
func UnmarshalConfig(data []byte) (Config, error) {
	var c Config
	err := json.Unmarshal(data, &c)
	return c, err
}
