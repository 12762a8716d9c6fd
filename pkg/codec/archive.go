package codec

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// BuildDirectoryTar walks root and writes every matching regular file and
// symlink into a tar archive, returning the uncompressed tar bytes.
// Directories are not written as entries of their own; each file's entry
// carries its path relative to root. A file is included when its base name matches no blacklist pattern
// and, if whitelist is non-empty, matches at least one whitelist pattern.
// Symlinks are stored as-is, never followed.
func BuildDirectoryTar(root string, whitelist, blacklist []*regexp.Regexp) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !matchesFilters(info.Name(), whitelist, blacklist) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("codec: building tar from %s: %w", root, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("codec: closing tar writer: %w", err)
	}
	return buf.Bytes(), nil
}

// matchesFilters reports whether name passes the whitelist/blacklist test:
// rejected if it matches any blacklist pattern; otherwise accepted if
// whitelist is empty or name matches at least one whitelist pattern.
func matchesFilters(name string, whitelist, blacklist []*regexp.Regexp) bool {
	for _, re := range blacklist {
		if re.MatchString(name) {
			return false
		}
	}
	if len(whitelist) == 0 {
		return true
	}
	for _, re := range whitelist {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// CompressGzip gzip-compresses data at the given compression level.
func CompressGzip(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("codec: creating gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("codec: gzip compressing: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// CompressZstd zstd-compresses data at the given compression level.
func CompressZstd(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("codec: creating zstd writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("codec: zstd compressing: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("codec: closing zstd writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress returns the uncompressed tar stream for a blob of the given
// Format. FormatTar data is returned unchanged.
func Decompress(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatTar:
		return data, nil
	case FormatTarGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("codec: opening gzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("codec: gzip decompressing: %w", err)
		}
		return out, nil
	case FormatTarZstd:
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("codec: opening zstd reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decompressing: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unknown format %d", format)
	}
}

// CompileFilters compiles a slice of regex patterns, as used for a plan
// layer's whitelist/blacklist fields.
func CompileFilters(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("codec: compiling filter %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// stripTrailingSlash normalizes a tar entry name for comparison purposes.
func stripTrailingSlash(name string) string {
	return strings.TrimSuffix(name, "/")
}
