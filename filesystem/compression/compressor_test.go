package compression

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	"github.com/go-test/deep"
)

func TestRoundTrip(t *testing.T) {
	in := bytes.Repeat([]byte("ext4 block map 0123456789"), 200)
	for kind := range kindNames {
		t.Run(kind.String(), func(t *testing.T) {
			if (kind == KindLzma || kind == KindXz) && is32Bit() {
				t.Skip("not supported on 32 bit systems")
			}
			c, err := New(kind)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Kind() != kind {
				t.Errorf("kind %v, expected %v", c.Kind(), kind)
			}
			out, err := c.Compress(in)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if kind != KindNone && len(out) >= len(in) {
				t.Errorf("compressed %d bytes to %d", len(in), len(out))
			}
			back, err := c.Decompress(out)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(back, in) {
				t.Errorf("round trip mismatch: %d bytes back, expected %d", len(back), len(in))
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		ok   bool
	}{
		{"zstd", KindZstd, true},
		{"GZIP", KindGzip, true},
		{"lz4", KindLz4, true},
		{"none", KindNone, true},
		{"brotli", KindNone, false},
	}
	for _, tt := range tests {
		k, err := ParseKind(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("%s: unexpected error state %v", tt.name, err)
		}
		if diff := deep.Equal(k, tt.kind); diff != nil {
			t.Errorf("%s: %v", tt.name, diff)
		}
	}
}

func TestNewUnknown(t *testing.T) {
	if _, err := New(Kind(99)); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func is32Bit() bool {
	return runtime.GOARCH == "arm" || runtime.GOARCH == "386"
}

func TestDecompressLimit(t *testing.T) {
	saved := MaxDecompressedSize
	MaxDecompressedSize = 1000
	t.Cleanup(func() { MaxDecompressedSize = saved })

	exact := bytes.Repeat([]byte{0xe4}, 1000)
	over := bytes.Repeat([]byte{0xe4}, 1001)
	for kind := range kindNames {
		t.Run(kind.String(), func(t *testing.T) {
			if (kind == KindLzma || kind == KindXz) && is32Bit() {
				t.Skip("not supported on 32 bit systems")
			}
			c, err := New(kind)
			if err != nil {
				t.Fatal(err)
			}
			for _, tt := range []struct {
				in  []byte
				err error
			}{{exact, nil}, {over, ErrTooLarge}} {
				out, err := c.Compress(tt.in)
				if err != nil {
					t.Fatalf("compress: %v", err)
				}
				back, err := c.Decompress(out)
				if !errors.Is(err, tt.err) {
					t.Errorf("%d bytes: got %v, expected %v", len(tt.in), err, tt.err)
				}
				if tt.err == nil && !bytes.Equal(back, tt.in) {
					t.Errorf("%d bytes: round trip mismatch", len(tt.in))
				}
			}
		})
	}
}

func TestWindowSize(t *testing.T) {
	if is32Bit() {
		t.Skip("not supported on 32 bit systems")
	}
	in := bytes.Repeat([]byte("logical 0 physical 1057 "), 500)
	for _, c := range []Compressor{&CompressorLzma{WindowSize: 1 << 16}, &CompressorXz{WindowSize: 1 << 16}} {
		out, err := c.Compress(in)
		if err != nil {
			t.Fatalf("%v compress: %v", c.Kind(), err)
		}
		back, err := c.Decompress(out)
		if err != nil {
			t.Fatalf("%v decompress: %v", c.Kind(), err)
		}
		if !bytes.Equal(back, in) {
			t.Errorf("%v: round trip mismatch", c.Kind())
		}
	}
}

func TestUnsupportedOn32Bit(t *testing.T) {
	if !is32Bit() {
		t.Skip("only on 32 bit systems")
	}
	for _, c := range []Compressor{&CompressorLzma{}, &CompressorXz{}} {
		if _, err := c.Compress([]byte("x")); !errors.Is(err, errors.ErrUnsupported) {
			t.Errorf("%v: got %v, expected %v", c.Kind(), err, errors.ErrUnsupported)
		}
	}
}
