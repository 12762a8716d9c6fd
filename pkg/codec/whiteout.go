package codec

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// ExtractTar unpacks an uncompressed tar stream into outputDir, then
// reconciles OCI whiteout entries: a regular whiteout file ".wh.<name>"
// deletes the sibling "<name>" (file or directory) and is itself removed; an
// opaque-directory marker ".wh..wh..opq" in a directory means every entry
// already extracted into that directory from lower layers should be
// considered erased by this layer, and the marker itself is removed without
// leaving a sibling to delete.
func ExtractTar(tarBytes []byte, outputDir string) error {
	type pending struct {
		hdr    *tar.Header
		target string
		data   []byte
	}

	tr := tar.NewReader(bytes.NewReader(tarBytes))

	var whiteouts []string
	var opaqueDirs []string
	var regular []pending

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("codec: reading tar entry: %w", err)
		}

		name := stripTrailingSlash(hdr.Name)
		base := filepath.Base(name)
		target := filepath.Join(outputDir, name)

		if base == opaqueMarker {
			opaqueDirs = append(opaqueDirs, filepath.Dir(target))
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			whiteouts = append(whiteouts, target)
			continue
		}

		var data []byte
		if hdr.Typeflag == tar.TypeReg {
			data, err = io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("codec: reading %s: %w", hdr.Name, err)
			}
		}
		regular = append(regular, pending{hdr: hdr, target: target, data: data})
	}

	// Opaque-directory markers clear whatever a lower layer left behind
	// before this layer's own entries are written, so a file re-created
	// under the same opaque directory by this very layer is not wiped out
	// by its own marker.
	for _, dir := range opaqueDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("codec: reading opaque directory %s: %w", dir, err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("codec: clearing opaque directory %s: %w", dir, err)
			}
		}
	}

	for _, p := range regular {
		if err := extractEntry(p.hdr, p.data, p.target); err != nil {
			return fmt.Errorf("codec: extracting %s: %w", p.hdr.Name, err)
		}
	}

	for _, whTarget := range whiteouts {
		dir := filepath.Dir(whTarget)
		name := strings.TrimPrefix(filepath.Base(whTarget), whiteoutPrefix)
		sibling := filepath.Join(dir, name)
		if err := os.RemoveAll(sibling); err != nil {
			return fmt.Errorf("codec: removing whited-out %s: %w", sibling, err)
		}
	}

	return nil
}

func extractEntry(hdr *tar.Header, data []byte, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode))
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return os.WriteFile(target, data, os.FileMode(hdr.Mode))
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		return os.Link(filepath.Join(filepath.Dir(target), hdr.Linkname), target)
	default:
		return nil
	}
}
