package codec

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestBuildDirectoryTarIncludesFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "drop.log"), []byte("bye"), 0644); err != nil {
		t.Fatal(err)
	}

	blacklist, _ := CompileFilters([]string{`\.log$`})
	tarBytes, err := BuildDirectoryTar(root, nil, blacklist)
	if err != nil {
		t.Fatal(err)
	}

	extractDir := t.TempDir()
	if err := ExtractTar(tarBytes, extractDir); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(extractDir, "keep.txt")); err != nil {
		t.Errorf("keep.txt missing from extracted tree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(extractDir, "drop.log")); !os.IsNotExist(err) {
		t.Errorf("drop.log should have been excluded by blacklist")
	}
}

func TestBuildDirectoryTarWhitelistOnly(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "a.conf"), []byte("a"), 0644)
	os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0644)

	whitelist := []*regexp.Regexp{regexp.MustCompile(`\.conf$`)}
	tarBytes, err := BuildDirectoryTar(root, whitelist, nil)
	if err != nil {
		t.Fatal(err)
	}

	extractDir := t.TempDir()
	if err := ExtractTar(tarBytes, extractDir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(extractDir, "a.conf")); err != nil {
		t.Errorf("a.conf should be present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(extractDir, "b.txt")); !os.IsNotExist(err) {
		t.Errorf("b.txt should have been excluded, whitelist did not match it")
	}
}

func TestCompressDecompressRoundTripGzip(t *testing.T) {
	data := []byte("round trip me please, several times over for good measure")
	compressed, err := CompressGzip(data, 6)
	if err != nil {
		t.Fatal(err)
	}
	format, err := DetectMediaType(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if format != FormatTarGzip {
		t.Fatalf("DetectMediaType = %v, want FormatTarGzip", format)
	}
	out, err := Decompress(compressed, format)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(data) {
		t.Errorf("round trip mismatch")
	}
}

func TestCompressDecompressRoundTripZstd(t *testing.T) {
	data := []byte("another payload that should survive a zstd round trip intact")
	compressed, err := CompressZstd(data, 19)
	if err != nil {
		t.Fatal(err)
	}
	format, err := DetectMediaType(compressed)
	if err != nil {
		t.Fatal(err)
	}
	if format != FormatTarZstd {
		t.Fatalf("DetectMediaType = %v, want FormatTarZstd", format)
	}
	out, err := Decompress(compressed, format)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != string(data) {
		t.Errorf("round trip mismatch")
	}
}
