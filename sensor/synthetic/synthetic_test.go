package synthetic

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/grokify/omnirecorder"
	"github.com/grokify/omnirecorder/compress"
)

func TestCaptureWritesWAV(t *testing.T) {
	s, err := New(omnirecorder.SensorConfig{"record_length": 2, "record_freq": 1000}, nil)
	if err != nil {
		t.Fatal(err)
	}
	slot := &omnirecorder.Slot{ID: "x", Path: filepath.Join(t.TempDir(), ".partial-x")}
	if err := s.Capture(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	if slot.Ext != "wav" {
		t.Errorf("Ext = %q", slot.Ext)
	}

	data, err := os.ReadFile(slot.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 44+2*2000 {
		t.Fatalf("size = %d", len(data))
	}
	if !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) || !bytes.Equal(data[36:40], []byte("data")) {
		t.Errorf("bad header % x", data[:44])
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 1000 {
		t.Errorf("rate = %d", rate)
	}
	if size := binary.LittleEndian.Uint32(data[40:44]); size != 4000 {
		t.Errorf("data size = %d", size)
	}
}

func TestPostprocessCodecs(t *testing.T) {
	tests := []struct {
		compression string
		ext         string
		codec       compress.Codec
	}{
		{"zstd", "wav.zst", compress.Zstd},
		{"gzip", "wav.gz", compress.Gzip},
		{"none", "wav", compress.None},
	}
	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			dir := t.TempDir()
			s, err := New(omnirecorder.SensorConfig{"record_length": 1, "compression": tt.compression}, nil)
			if err != nil {
				t.Fatal(err)
			}
			slot := &omnirecorder.Slot{ID: "id", Path: filepath.Join(dir, "id.wav")}
			if err := s.Capture(context.Background(), slot); err != nil {
				t.Fatal(err)
			}
			raw, _ := os.ReadFile(slot.Path)

			src := omnirecorder.Unit{ID: "id", Ext: "wav", Path: slot.Path}
			dst := &omnirecorder.Slot{ID: "id", Path: filepath.Join(dir, ".tmp-id")}
			if err := s.Postprocess(context.Background(), src, dst); err != nil {
				t.Fatal(err)
			}
			if dst.Ext != tt.ext {
				t.Errorf("Ext = %q, want %q", dst.Ext, tt.ext)
			}

			f, err := os.Open(dst.Path)
			if err != nil {
				t.Fatal(err)
			}
			r, err := compress.NewReader(f, tt.codec)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, raw) {
				t.Error("decompressed data differs from capture")
			}
		})
	}
}

func TestNewRejectsUnknownCodec(t *testing.T) {
	if _, err := New(omnirecorder.SensorConfig{"compression": "lzma"}, nil); err == nil {
		t.Error("expected error")
	}
	if _, err := omnirecorder.NewSensor(Name, omnirecorder.SensorConfig{"compression": "lzma"}, nil); err == nil {
		t.Error("expected error from registry")
	}
}

func TestSetup(t *testing.T) {
	s, _ := New(omnirecorder.SensorConfig{"record_length": 0}, nil)
	if err := s.Setup(context.Background()); !errors.Is(err, omnirecorder.ErrSetup) {
		t.Errorf("Setup = %v, want ErrSetup", err)
	}
	s, _ = New(nil, nil)
	if err := s.Setup(context.Background()); err != nil {
		t.Errorf("Setup = %v", err)
	}
	if s.SyncInterval().Seconds() != 10 {
		t.Errorf("SyncInterval = %s", s.SyncInterval())
	}
}
