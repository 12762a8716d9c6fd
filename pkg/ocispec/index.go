package ocispec

import "encoding/json"

// Index is an OCI image index / Docker manifest list: a set of per-platform
// manifest descriptors for one tag.
type Index struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     MediaType         `json:"mediaType"`
	Manifests     []Descriptor      `json:"manifests"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// NewIndex builds an index of the given per-platform manifest descriptors.
func NewIndex(manifests []Descriptor) Index {
	return Index{
		SchemaVersion: 2,
		MediaType:     MediaTypeImageIndex,
		Manifests:     manifests,
	}
}

// Marshal serializes the index with encoding/json, the same way
// Manifest.Marshal and Config.Marshal do: struct fields in declaration order,
// map keys sorted.
func (i Index) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

// UnmarshalIndex parses raw index JSON.
func UnmarshalIndex(data []byte) (Index, error) {
	var idx Index
	err := json.Unmarshal(data, &idx)
	return idx, err
}
