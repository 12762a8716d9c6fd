package codec

import "testing"

func TestDetectMediaTypeGzip(t *testing.T) {
	buf := append([]byte{0x1f, 0x8b, 0x08, 0x00}, make([]byte, 10)...)
	got, err := DetectMediaType(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != FormatTarGzip {
		t.Errorf("got %v, want FormatTarGzip", got)
	}
}

func TestDetectMediaTypeZstd(t *testing.T) {
	buf := append([]byte{0x28, 0xb5, 0x2f, 0xfd}, make([]byte, 10)...)
	got, err := DetectMediaType(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != FormatTarZstd {
		t.Errorf("got %v, want FormatTarZstd", got)
	}
}

func TestDetectMediaTypePlainTar(t *testing.T) {
	buf := make([]byte, 512)
	copy(buf[257:], "ustar")
	got, err := DetectMediaType(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != FormatTar {
		t.Errorf("got %v, want FormatTar", got)
	}
}

func TestDetectMediaTypeUnknown(t *testing.T) {
	if _, err := DetectMediaType([]byte("not a layer")); err != ErrUnknownFormat {
		t.Errorf("err = %v, want ErrUnknownFormat", err)
	}
}
