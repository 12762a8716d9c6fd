// Package composefile discovers and parses docker-compose.y[a]ml files so
// their referenced images can be fed into the pull pipeline and their
// networks created ahead of a nerdctl-driven "up".
package composefile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Service is the subset of a compose service definition this toolkit cares
// about: the image it pulls.
type Service struct {
	Image string `yaml:"image"`
}

// IPAMConfig is one entry of a network's ipam.config list.
type IPAMConfig struct {
	Subnet  string `yaml:"subnet"`
	Gateway string `yaml:"gateway"`
}

// IPAM is a network's IP address management block.
type IPAM struct {
	Driver string       `yaml:"driver"`
	Config []IPAMConfig `yaml:"config"`
}

// Network is a compose network definition. External networks are assumed to
// already exist and are never created.
type Network struct {
	Driver     string            `yaml:"driver"`
	DriverOpts map[string]string `yaml:"driver_opts"`
	Labels     yaml.Node         `yaml:"labels"`
	External   *bool             `yaml:"external"`
	EnableIPv6 bool              `yaml:"enable_ipv6"`
	IPAM       *IPAM             `yaml:"ipam"`
}

// LabelList returns a network's labels normalized to a flat "key=value"
// slice, regardless of whether the compose file wrote them as a YAML list
// or a mapping — compose accepts both shapes.
func (n Network) LabelList() []string {
	switch n.Labels.Kind {
	case yaml.SequenceNode:
		var out []string
		for _, item := range n.Labels.Content {
			out = append(out, item.Value)
		}
		return out
	case yaml.MappingNode:
		var out []string
		for i := 0; i+1 < len(n.Labels.Content); i += 2 {
			out = append(out, n.Labels.Content[i].Value+"="+n.Labels.Content[i+1].Value)
		}
		return out
	default:
		return nil
	}
}

// IsExternal reports whether this network is declared external (and so
// should never be created by "up").
func (n Network) IsExternal() bool {
	return n.External != nil && *n.External
}

// Compose is the subset of a docker-compose file's top-level shape this
// toolkit parses.
type Compose struct {
	Services map[string]Service `yaml:"services"`
	Networks map[string]Network `yaml:"networks"`
}

// Project pairs a parsed Compose with the directory it was found in — the
// directory's base name prefixes any network this project creates, matching
// compose's own project-scoping convention.
type Project struct {
	Name string
	Dir  string
	Path string
	Compose
}

// FindFiles walks startDir breadth-first up to maxDepth levels, returning
// the path of every docker-compose.yaml/docker-compose.yml found. A compose
// file directly in startDir stops the search there; below startDir, a
// directory's own compose file does not stop descent into its
// subdirectories.
func FindFiles(startDir string, maxDepth int) ([]string, error) {
	var found []string

	type queued struct {
		dir   string
		depth int
	}
	queue := []queued{{startDir, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth > maxDepth {
			continue
		}

		entries, err := os.ReadDir(cur.dir)
		if err != nil {
			continue
		}

		sawComposeFile := false
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if name == "docker-compose.yaml" || name == "docker-compose.yml" {
				found = append(found, filepath.Join(cur.dir, name))
				sawComposeFile = true
			}
		}

		if sawComposeFile && cur.depth == 0 {
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				queue = append(queue, queued{filepath.Join(cur.dir, entry.Name()), cur.depth + 1})
			}
		}
	}

	sort.Strings(found)
	return found, nil
}

// ParseFile reads and unmarshals a single compose file.
func ParseFile(path string) (Compose, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Compose{}, fmt.Errorf("composefile: reading %s: %w", path, err)
	}
	var c Compose
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Compose{}, fmt.Errorf("composefile: parsing %s: %w", path, err)
	}
	return c, nil
}

// Discover finds and parses every compose file under startDir, skipping
// (and reporting, via onError) any file that fails to parse rather than
// aborting the whole discovery.
func Discover(startDir string, maxDepth int, onError func(path string, err error)) ([]Project, error) {
	paths, err := FindFiles(startDir, maxDepth)
	if err != nil {
		return nil, err
	}

	var projects []Project
	for _, path := range paths {
		c, err := ParseFile(path)
		if err != nil {
			if onError != nil {
				onError(path, err)
			}
			continue
		}
		dir := filepath.Dir(path)
		projects = append(projects, Project{
			Name:    filepath.Base(dir),
			Dir:     dir,
			Path:    path,
			Compose: c,
		})
	}
	return projects, nil
}

// Images returns every distinct image reference named by any service across
// every project, sorted for deterministic pull ordering.
func Images(projects []Project) []string {
	seen := make(map[string]struct{})
	for _, p := range projects {
		for _, svc := range p.Services {
			if svc.Image == "" {
				continue
			}
			seen[svc.Image] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for img := range seen {
		out = append(out, img)
	}
	sort.Strings(out)
	return out
}
