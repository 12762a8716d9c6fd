package composefile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// nerdctlNetwork is the subset of "nerdctl network ls --format=json"'s
// per-line output this package reads.
type nerdctlNetwork struct {
	Name string `json:"Name"`
}

// ListNetworks shells out to nerdctl to list existing network names.
func ListNetworks() (map[string]struct{}, error) {
	out, err := exec.Command("nerdctl", "network", "ls", "--format=json").Output()
	if err != nil {
		return nil, fmt.Errorf("composefile: listing nerdctl networks: %w", err)
	}

	existing := make(map[string]struct{})
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var n nerdctlNetwork
		if err := json.Unmarshal(line, &n); err != nil {
			continue
		}
		existing[n.Name] = struct{}{}
	}
	return existing, nil
}

// CreateNetwork shells out to "nerdctl network create" for a single
// non-external compose network, translating its driver/labels/IPAM settings
// into the equivalent nerdctl flags.
func CreateNetwork(name string, n Network) error {
	args := []string{"network", "create", name}

	if n.EnableIPv6 {
		args = append(args, "--ipv6")
	}
	for _, label := range n.LabelList() {
		args = append(args, "--label="+label)
	}
	if n.Driver != "" {
		args = append(args, "--driver="+n.Driver)
	}
	for k, v := range n.DriverOpts {
		args = append(args, fmt.Sprintf("--opt=%s=%s", k, v))
	}
	if n.IPAM != nil && len(n.IPAM.Config) > 0 {
		cfg := n.IPAM.Config[0]
		if cfg.Subnet != "" {
			args = append(args, "--subnet="+cfg.Subnet)
		}
		if cfg.Gateway != "" {
			args = append(args, "--gateway="+cfg.Gateway)
		}
	}

	cmd := exec.Command("nerdctl", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("composefile: creating network %q: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// NetworksToCreate computes the set of non-external networks named across
// every project that don't already exist, each prefixed by its project name
// the way compose itself scopes networks ("<project>_<network>").
func NetworksToCreate(projects []Project, existing map[string]struct{}) map[string]Network {
	out := make(map[string]Network)
	for _, p := range projects {
		for name, n := range p.Networks {
			if n.IsExternal() {
				continue
			}
			actual := p.Name + "_" + name
			if _, ok := existing[actual]; ok {
				continue
			}
			out[actual] = n
		}
	}
	return out
}
