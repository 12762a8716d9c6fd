// Package platform matches OCI index entries against the architecture, OS,
// and (optionally) variant this process is running on.
package platform

import (
	"runtime"

	"github.com/ocitool/ocitool/pkg/ocispec"
)

// Matcher selects index manifests compatible with a target architecture,
// OS, and optional variant.
type Matcher struct {
	Architecture string
	OS           string
	Variant      string
}

// New builds a Matcher for the architecture and OS this process is running
// on, following Go's own GOARCH/GOOS naming (which coincides with the OCI
// image-spec's architecture/os strings for every platform Go supports).
func New() Matcher {
	return Matcher{
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
	}
}

// NewWithVariant builds a Matcher for an explicit architecture/OS/variant,
// for use when pulling on behalf of a platform other than the host's own
// (e.g. a cross-build).
func NewWithVariant(architecture, os, variant string) Matcher {
	return Matcher{Architecture: architecture, OS: os, Variant: variant}
}

// Matches reports whether p satisfies this matcher. Architecture and OS must
// match exactly; Variant must match only when this matcher specifies one —
// an index entry with no variant recorded is never rejected on that basis
// alone, but when the matcher does carry a variant, the entry must carry the
// same one.
func (m Matcher) Matches(p *ocispec.Platform) bool {
	if p == nil {
		return false
	}
	if p.Architecture != m.Architecture || p.OS != m.OS {
		return false
	}
	if m.Variant != "" && p.Variant != m.Variant {
		return false
	}
	return true
}

// FindManifest returns the first descriptor among manifests whose platform
// satisfies Matches, or nil if none does.
func (m Matcher) FindManifest(manifests []ocispec.Descriptor) *ocispec.Descriptor {
	for i := range manifests {
		if m.Matches(manifests[i].Platform) {
			return &manifests[i]
		}
	}
	return nil
}
