// Package ociref parses image names of the form used on the command line
// and in compose files ("alpine:3.19", "ghcr.io/owner/app:latest") into
// their registry, library-name, and auth-service parts.
package ociref

import (
	"fmt"
	"strings"

	"github.com/docker/distribution/reference"
	"github.com/google/go-containerregistry/pkg/name"
)

const (
	defaultRegistryURL = "https://registry-1.docker.io"
	defaultService     = "registry.docker.io"
	defaultTag         = "latest"
)

// Reference is a parsed image name.
type Reference struct {
	// RegistryURL is the scheme-qualified registry root, e.g.
	// "https://registry-1.docker.io" or "https://ghcr.io".
	RegistryURL string
	// FullName is the repository path passed to distribution APIs, e.g.
	// "library/alpine" or "owner/app".
	FullName string
	// Service is the auth service name used in bearer-token scope requests.
	Service string
	// Tag is the resolved tag, defaulting to "latest".
	Tag string
}

// Parse splits an image name into its Reference parts, following the same
// rules as a plain "registry/owner/repo:tag" Docker-style reference: a
// three-or-more-segment name's first segment is treated as the registry
// host; a two-segment name is assumed to live on Docker Hub under that
// owner; a one-segment name is assumed to be an official Docker Hub image
// under the "library/" namespace.
func Parse(imageName string) (Reference, error) {
	if imageName == "" {
		return Reference{}, fmt.Errorf("ociref: empty image name")
	}

	nameAndTag, tag := splitTag(imageName)

	parts := strings.Split(nameAndTag, "/")

	var registryURL, service, fullName string
	if len(parts) > 2 {
		registryURL = "https://" + parts[0]
		service = parts[0]
		fullName = strings.Join(parts[1:], "/")
	} else {
		registryURL = defaultRegistryURL
		service = defaultService
		fullName = nameAndTag
	}

	libraryName := fullName
	if !strings.Contains(fullName, "/") {
		libraryName = "library/" + fullName
	}

	if _, err := name.NewRepository(libraryName); err != nil {
		return Reference{}, fmt.Errorf("ociref: %q: invalid repository name: %w", imageName, err)
	}
	if !reference.NameRegexp.MatchString(libraryName) {
		return Reference{}, fmt.Errorf("ociref: %q: repository name %q does not match the distribution name grammar", imageName, libraryName)
	}

	return Reference{
		RegistryURL: registryURL,
		FullName:    libraryName,
		Service:     service,
		Tag:         tag,
	}, nil
}

// splitTag separates a "name:tag" string into its name and tag, defaulting
// the tag to "latest" when absent. The split happens on the last colon so
// a registry host carrying an explicit port (e.g. "localhost:5000/app")
// is not mistaken for a tag separator when followed by a further "/".
func splitTag(s string) (nameAndTag, tag string) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, defaultTag
	}
	// A colon that occurs before the final path segment belongs to a host
	// port, not a tag, e.g. "localhost:5000/app".
	if strings.Contains(s[idx:], "/") {
		return s, defaultTag
	}
	return s[:idx], s[idx+1:]
}

// ImageURL returns the distribution API base path for this reference, e.g.
// "https://ghcr.io/v2/owner/app".
func (r Reference) ImageURL() string {
	return fmt.Sprintf("%s/v2/%s", r.RegistryURL, r.FullName)
}

// IsGitHubRegistry reports whether this reference targets ghcr.io.
func (r Reference) IsGitHubRegistry() bool {
	return strings.Contains(r.RegistryURL, "ghcr.io")
}

// String renders the reference back to "name:tag" form.
func (r Reference) String() string {
	return fmt.Sprintf("%s:%s", r.FullName, r.Tag)
}
