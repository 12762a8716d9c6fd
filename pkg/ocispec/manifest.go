package ocispec

import "encoding/json"

// Manifest is a single-platform OCI image manifest: a config blob descriptor
// plus an ordered list of layer descriptors.
type Manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     MediaType         `json:"mediaType"`
	Config        Descriptor        `json:"config"`
	Layers        []Descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// NewManifest builds a manifest from a config descriptor and ordered layer
// descriptors.
func NewManifest(config Descriptor, layers []Descriptor) Manifest {
	return Manifest{
		SchemaVersion: 2,
		MediaType:     MediaTypeImageManifest,
		Config:        config,
		Layers:        layers,
	}
}

// Marshal serializes the manifest with encoding/json, like Index.Marshal and
// Config.Marshal.
func (m Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalManifest parses raw manifest JSON.
func UnmarshalManifest(data []byte) (Manifest, error) {
	var m Manifest
	err := json.Unmarshal(data, &m)
	return m, err
}
