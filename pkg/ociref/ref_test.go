package ociref

import "testing"

func TestParseDockerHubOfficialImage(t *testing.T) {
	r, err := Parse("alpine:3.19")
	if err != nil {
		t.Fatal(err)
	}
	if r.RegistryURL != defaultRegistryURL {
		t.Errorf("RegistryURL = %q", r.RegistryURL)
	}
	if r.FullName != "library/alpine" {
		t.Errorf("FullName = %q", r.FullName)
	}
	if r.Tag != "3.19" {
		t.Errorf("Tag = %q", r.Tag)
	}
	if r.Service != defaultService {
		t.Errorf("Service = %q", r.Service)
	}
}

func TestParseDockerHubOwnedImage(t *testing.T) {
	r, err := Parse("library/nginx")
	if err != nil {
		t.Fatal(err)
	}
	if r.FullName != "library/nginx" {
		t.Errorf("FullName = %q", r.FullName)
	}
	if r.Tag != "latest" {
		t.Errorf("Tag = %q", r.Tag)
	}
}

func TestParseThirdPartyRegistry(t *testing.T) {
	r, err := Parse("ghcr.io/owner/app:v1")
	if err != nil {
		t.Fatal(err)
	}
	if r.RegistryURL != "https://ghcr.io" {
		t.Errorf("RegistryURL = %q", r.RegistryURL)
	}
	if r.FullName != "owner/app" {
		t.Errorf("FullName = %q", r.FullName)
	}
	if r.Service != "ghcr.io" {
		t.Errorf("Service = %q", r.Service)
	}
	if !r.IsGitHubRegistry() {
		t.Error("IsGitHubRegistry() = false")
	}
	if r.Tag != "v1" {
		t.Errorf("Tag = %q", r.Tag)
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error")
	}
}

func TestImageURL(t *testing.T) {
	r, err := Parse("ghcr.io/owner/app")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://ghcr.io/v2/owner/app"
	if got := r.ImageURL(); got != want {
		t.Errorf("ImageURL() = %q, want %q", got, want)
	}
}
