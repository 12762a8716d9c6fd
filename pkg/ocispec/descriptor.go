package ocispec

import "github.com/ocitool/ocitool/pkg/ocidigest"

// Descriptor references a blob by digest, size, and media type, optionally
// scoped to a platform (when it appears inside an Index).
type Descriptor struct {
	MediaType   MediaType          `json:"mediaType"`
	Digest      ocidigest.Digest   `json:"digest"`
	Size        int64              `json:"size"`
	Platform    *Platform          `json:"platform,omitempty"`
	Annotations map[string]string  `json:"annotations,omitempty"`
}

// Platform identifies the architecture/OS/variant an index entry targets.
type Platform struct {
	Architecture string   `json:"architecture"`
	OS           string   `json:"os"`
	OSVersion    string   `json:"os.version,omitempty"`
	OSFeatures   []string `json:"os.features,omitempty"`
	Variant      string   `json:"variant,omitempty"`
}
