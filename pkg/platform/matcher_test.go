package platform

import (
	"testing"

	"github.com/ocitool/ocitool/pkg/ocispec"
)

func TestMatchesIgnoresVariantWhenUnset(t *testing.T) {
	m := NewWithVariant("arm64", "linux", "")
	p := &ocispec.Platform{Architecture: "arm64", OS: "linux", Variant: "v8"}
	if !m.Matches(p) {
		t.Error("expected match when matcher has no variant constraint")
	}
}

func TestMatchesRequiresVariantWhenSet(t *testing.T) {
	m := NewWithVariant("arm", "linux", "v7")
	match := &ocispec.Platform{Architecture: "arm", OS: "linux", Variant: "v7"}
	mismatch := &ocispec.Platform{Architecture: "arm", OS: "linux", Variant: "v6"}

	if !m.Matches(match) {
		t.Error("expected match on identical variant")
	}
	if m.Matches(mismatch) {
		t.Error("expected no match on differing variant")
	}
}

func TestFindManifestReturnsFirstMatch(t *testing.T) {
	m := NewWithVariant("amd64", "linux", "")
	manifests := []ocispec.Descriptor{
		{Platform: &ocispec.Platform{Architecture: "arm64", OS: "linux"}},
		{Platform: &ocispec.Platform{Architecture: "amd64", OS: "linux"}, Digest: "sha256:found"},
	}
	found := m.FindManifest(manifests)
	if found == nil || found.Digest != "sha256:found" {
		t.Fatalf("FindManifest() = %v, want the amd64 entry", found)
	}
}

func TestFindManifestNoMatch(t *testing.T) {
	m := NewWithVariant("riscv64", "linux", "")
	manifests := []ocispec.Descriptor{
		{Platform: &ocispec.Platform{Architecture: "amd64", OS: "linux"}},
	}
	if found := m.FindManifest(manifests); found != nil {
		t.Fatalf("FindManifest() = %v, want nil", found)
	}
}
