package registryclient

import (
	"bufio"
	"os"
	"strings"
)

// Credentials is a resolved username/password pair for one registry host.
type Credentials struct {
	Username string
	Password string
}

// CredentialSource resolves credentials for a registry host, e.g. the
// "https://ghcr.io" scheme-qualified URL a Reference carries.
type CredentialSource interface {
	Lookup(registryURL string) (Credentials, bool)
}

// staticCredentialSource always returns the same credentials, used for an
// explicit --username/--password CLI flag pair or the DOCKER_USERNAME/
// DOCKER_PASSWORD environment variables, which apply regardless of which
// registry a pull or push targets.
type staticCredentialSource struct {
	creds Credentials
	ok    bool
}

// FromEnv builds a CredentialSource from the process environment, using
// DOCKER_USERNAME and DOCKER_PASSWORD, if both are set.
func FromEnv() CredentialSource {
	user := os.Getenv("DOCKER_USERNAME")
	pass := os.Getenv("DOCKER_PASSWORD")
	if user == "" || pass == "" {
		return staticCredentialSource{}
	}
	return staticCredentialSource{creds: Credentials{Username: user, Password: pass}, ok: true}
}

// FromFlags builds a CredentialSource from explicit CLI-provided values, if
// both are non-empty.
func FromFlags(username, password string) CredentialSource {
	if username == "" || password == "" {
		return staticCredentialSource{}
	}
	return staticCredentialSource{creds: Credentials{Username: username, Password: password}, ok: true}
}

func (s staticCredentialSource) Lookup(string) (Credentials, bool) {
	return s.creds, s.ok
}

// kernelCmdlineCredentialSource resolves credentials parsed from a
// "dockerlogin=" entry on the kernel command line.
type kernelCmdlineCredentialSource struct {
	byHost map[string]Credentials
}

// ParseKernelCmdline extracts the "dockerlogin=" entries from a kernel
// command line string. The value is a ';'-separated list of entries, each a
// ','-separated 2- or 3-tuple: "host,user,pass" or "user,pass" (in which
// case the host defaults to Docker Hub).
//
// Example: dockerlogin=ghcr.io,me,token;user,pass
func ParseKernelCmdline(cmdline string) map[string]Credentials {
	result := make(map[string]Credentials)
	for _, token := range strings.Fields(cmdline) {
		const prefix = "dockerlogin="
		if !strings.HasPrefix(token, prefix) {
			continue
		}
		value := strings.TrimPrefix(token, prefix)
		for _, entry := range strings.Split(value, ";") {
			if entry == "" {
				continue
			}
			fields := strings.Split(entry, ",")
			var host, user, pass string
			switch len(fields) {
			case 3:
				host, user, pass = fields[0], fields[1], fields[2]
				if !strings.Contains(host, "://") {
					host = "https://" + host
				}
			case 2:
				host, user, pass = defaultRegistryURL, fields[0], fields[1]
			default:
				continue
			}
			result[host] = Credentials{Username: user, Password: pass}
		}
	}
	return result
}

// SystemLoginFromProc reads /proc/cmdline and returns its parsed
// "dockerlogin=" credentials. Returns an empty map if /proc/cmdline cannot
// be read (e.g. not running on Linux, or not running as a process with
// access to it).
func SystemLoginFromProc() map[string]Credentials {
	f, err := os.Open("/proc/cmdline")
	if err != nil {
		return map[string]Credentials{}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var line string
	if scanner.Scan() {
		line = scanner.Text()
	}
	return ParseKernelCmdline(line)
}

// NewKernelCmdlineSource wraps a parsed kernel-cmdline credential map as a
// CredentialSource.
func NewKernelCmdlineSource(byHost map[string]Credentials) CredentialSource {
	return kernelCmdlineCredentialSource{byHost: byHost}
}

func (s kernelCmdlineCredentialSource) Lookup(registryURL string) (Credentials, bool) {
	c, ok := s.byHost[registryURL]
	return c, ok
}

// chainCredentialSource tries each source in order, returning the first hit.
type chainCredentialSource struct {
	sources []CredentialSource
}

// Chain tries each source in order and returns the first match.
func Chain(sources ...CredentialSource) CredentialSource {
	return chainCredentialSource{sources: sources}
}

func (c chainCredentialSource) Lookup(registryURL string) (Credentials, bool) {
	for _, s := range c.sources {
		if creds, ok := s.Lookup(registryURL); ok {
			return creds, true
		}
	}
	return Credentials{}, false
}
