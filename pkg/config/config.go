// Package config loads ocitool's optional YAML configuration file and
// resolves the handful of settings the original tool reads from the
// environment, following cmd/installer/main.go's Config/yaml.Unmarshal
// pattern.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds settings that apply across subcommands: where to reach
// containerd, and defaults for compose discovery. CLI flags always take
// precedence over values loaded here.
type Config struct {
	ContainerdSocket    string `yaml:"containerdSocket"`
	ContainerdNamespace string `yaml:"containerdNamespace"`
	ComposeDir          string `yaml:"composeDir"`
	ComposeMaxDepth     int    `yaml:"composeMaxDepth"`
}

const (
	// DefaultContainerdSocket is containerd's conventional UNIX socket path.
	DefaultContainerdSocket = "/run/containerd/containerd.sock"
	// DefaultContainerdNamespace is the containerd namespace ocitool commits
	// pulled content into absent an override.
	DefaultContainerdNamespace = "ocitool"
	// DefaultComposeDir is where compose discovery starts absent an
	// explicit -d flag or config value.
	DefaultComposeDir = "."
	// DefaultComposeMaxDepth bounds how deep compose discovery descends.
	DefaultComposeMaxDepth = 3
)

// ConfigPathEnvVar names the environment variable that overrides the config
// file location, mirroring the installer's INSTALLER_CONFIG.
const ConfigPathEnvVar = "OCITOOL_CONFIG"

// DefaultConfigPath is used when ConfigPathEnvVar is unset.
const DefaultConfigPath = "/etc/ocitool/config.yaml"

// Defaults returns a Config populated with the built-in defaults.
func Defaults() Config {
	return Config{
		ContainerdSocket:    DefaultContainerdSocket,
		ContainerdNamespace: DefaultContainerdNamespace,
		ComposeDir:          DefaultComposeDir,
		ComposeMaxDepth:     DefaultComposeMaxDepth,
	}
}

// applyDefaults fills any zero-valued field of c with its built-in default,
// the same way cmd/installer/main.go backfills cfg.TarballDir after
// unmarshaling.
func (c Config) applyDefaults() Config {
	d := Defaults()
	if c.ContainerdSocket == "" {
		c.ContainerdSocket = d.ContainerdSocket
	}
	if c.ContainerdNamespace == "" {
		c.ContainerdNamespace = d.ContainerdNamespace
	}
	if c.ComposeDir == "" {
		c.ComposeDir = d.ComposeDir
	}
	if c.ComposeMaxDepth == 0 {
		c.ComposeMaxDepth = d.ComposeMaxDepth
	}
	return c
}

// Path resolves the config file location: an explicit override (e.g. a CLI
// flag) wins, then ConfigPathEnvVar, then DefaultConfigPath.
func Path(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(ConfigPathEnvVar); v != "" {
		return v
	}
	return DefaultConfigPath
}

// Load reads and parses the YAML config file at path, backfilling unset
// fields with their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c.applyDefaults(), nil
}

// LoadOptional behaves like Load, except a missing file at path is not an
// error: ocitool's config file is optional, unlike the installer's, since
// every setting it carries has a usable built-in default.
func LoadOptional(path string) (Config, error) {
	c, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Config{}, err
	}
	return c, nil
}
