// Package compress wraps buffer artifacts in a lossless codec before upload.
//
// Codecs come from github.com/klauspost/compress. Compression trades a little
// CPU on the device for fewer bytes over the cellular link, which is the
// scarcer resource. Audio encoding (mp3) is not done here; sensor drivers
// delegate that to their own tools.
//
// Basic usage:
//
//	f, _ := os.Create(path + compress.Zstd.Ext())
//	w, _ := compress.NewWriter(f, compress.Zstd)
//	io.Copy(w, src)
//	w.Close()
package compress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec names a compression format.
type Codec string

const (
	None Codec = "none"
	Gzip Codec = "gzip"
	Zstd Codec = "zstd"
)

// ParseCodec maps a configuration value to a Codec.
// Empty and "false" mean None.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "false", "off":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	}
	return None, fmt.Errorf("compress: unknown codec %q", s)
}

// Ext returns the file extension suffix for the codec, including the dot,
// or "" for None.
func (c Codec) Ext() string {
	switch c {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	}
	return ""
}

// ContentType returns the MIME type to upload compressed data with.
func (c Codec) ContentType() string {
	switch c {
	case Gzip:
		return "application/gzip"
	case Zstd:
		return "application/zstd"
	}
	return ""
}

// NewWriter wraps w so data written is compressed with c. Closing the
// returned writer flushes the codec and closes w.
func NewWriter(w io.WriteCloser, c Codec) (io.WriteCloser, error) {
	switch c {
	case None, "":
		return w, nil
	case Gzip:
		return &writer{enc: gzip.NewWriter(w), closer: w}, nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		return &writer{enc: zw, closer: w}, nil
	}
	return nil, fmt.Errorf("compress: unknown codec %q", c)
}

// NewReader wraps r so data read is decompressed with c. Closing the
// returned reader closes r.
func NewReader(r io.ReadCloser, c Codec) (io.ReadCloser, error) {
	switch c {
	case None, "":
		return r, nil
	case Gzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &reader{dec: gr, closeDec: gr.Close, closer: r}, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &reader{dec: zr, closeDec: func() error { zr.Close(); return nil }, closer: r}, nil
	}
	return nil, fmt.Errorf("compress: unknown codec %q", c)
}

type encoder interface {
	io.Writer
	Close() error
}

type writer struct {
	enc    encoder
	closer io.Closer
	closed bool
	mu     sync.Mutex
}

func (w *writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.enc.Write(p)
}

// Close flushes the encoder first, then closes the underlying writer.
func (w *writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		_ = w.closer.Close()
		return err
	}
	return w.closer.Close()
}

type reader struct {
	dec      io.Reader
	closeDec func() error
	closer   io.Closer
	closed   bool
	mu       sync.Mutex
}

func (r *reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	return r.dec.Read(p)
}

func (r *reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.closeDec()
	return r.closer.Close()
}
