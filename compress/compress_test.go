package compress

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type nopCloser struct {
	*bytes.Buffer
	closed bool
}

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

func TestRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("2026-10-17 02:00:01 INFO capture finished\n", 200))

	for _, c := range []Codec{None, Gzip, Zstd} {
		t.Run(string(c), func(t *testing.T) {
			sink := &nopCloser{Buffer: &bytes.Buffer{}}
			w, err := NewWriter(sink, c)
			if err != nil {
				t.Fatalf("NewWriter failed: %v", err)
			}
			if _, err := w.Write(payload); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if !sink.closed {
				t.Error("underlying writer not closed")
			}
			if c != None && sink.Len() >= len(payload) {
				t.Errorf("%s output %d bytes, input %d", c, sink.Len(), len(payload))
			}

			r, err := NewReader(io.NopCloser(bytes.NewReader(sink.Bytes())), c)
			if err != nil {
				t.Fatalf("NewReader failed: %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			_ = r.Close()
			if !bytes.Equal(got, payload) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestWriteAfterClose(t *testing.T) {
	w, err := NewWriter(&nopCloser{Buffer: &bytes.Buffer{}}, Zstd)
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Close()
	if _, err := w.Write([]byte("x")); err != io.ErrClosedPipe {
		t.Errorf("Write after Close error = %v, want io.ErrClosedPipe", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{"", None, false},
		{"false", None, false},
		{"ZSTD", Zstd, false},
		{"gz", Gzip, false},
		{"lz4", None, true},
	}
	for _, tt := range tests {
		got, err := ParseCodec(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCodec(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseCodec(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtAndContentType(t *testing.T) {
	if Zstd.Ext() != ".zst" || Gzip.Ext() != ".gz" || None.Ext() != "" {
		t.Error("unexpected codec extensions")
	}
	if None.ContentType() != "" || Zstd.ContentType() == "" {
		t.Error("unexpected content types")
	}
}

func TestCompressFile(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "run.log"+Gzip.Ext()))
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWriter(f, Gzip)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, "boot\n"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rf, err := os.Open(filepath.Join(dir, "run.log.gz"))
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(rf, Gzip)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	got, _ := io.ReadAll(r)
	if string(got) != "boot\n" {
		t.Errorf("got %q", got)
	}
}
