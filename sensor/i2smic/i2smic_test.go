package i2smic

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grokify/omnirecorder"
)

// fakeRunner records invocations and writes the last argument as the
// command's output file.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	fail    map[string]error
	missing map[string]bool
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	err := r.fail[name]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if name == "sh" {
		return nil
	}
	out := args[len(args)-1]
	return os.WriteFile(out, []byte(name), 0600)
}

func (r *fakeRunner) LookPath(name string) error {
	if r.missing[name] {
		return errors.New("executable file not found in $PATH")
	}
	return nil
}

func (r *fakeRunner) call(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls[i], " ")
}

func TestDefaults(t *testing.T) {
	s := New(nil, nil)
	if s.RecordLength != 1200 || s.RecordFreq != 44100 || !s.CompressData ||
		s.Amplification != 5 || s.CaptureDelay != 0 || s.CaptureCard != 0 {
		t.Errorf("defaults = %+v", s)
	}
	if s.SyncInterval() != 20*time.Minute {
		t.Errorf("SyncInterval = %s", s.SyncInterval())
	}
}

func TestConfigOverrides(t *testing.T) {
	s := New(omnirecorder.SensorConfig{
		"record_length": 300,
		"capture_delay": "60",
		"compress_data": false,
		"amplification": "loud",
	}, nil)
	if s.RecordLength != 300 || s.CaptureDelay != 60 || s.CompressData {
		t.Errorf("overrides = %+v", s)
	}
	if s.Amplification != 5 {
		t.Errorf("mistyped amplification = %d, want default", s.Amplification)
	}
	if s.SyncInterval() != 6*time.Minute {
		t.Errorf("SyncInterval = %s", s.SyncInterval())
	}
}

func TestRegistered(t *testing.T) {
	s, err := omnirecorder.NewSensor(Name, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != Name {
		t.Errorf("Name = %q", s.Name())
	}
	if _, ok := s.(omnirecorder.Postprocessor); !ok {
		t.Error("driver does not postprocess")
	}
}

func TestSetup(t *testing.T) {
	r := &fakeRunner{missing: map[string]bool{"ffmpeg": true}}
	s := New(nil, nil).WithRunner(r)
	if err := s.Setup(context.Background()); !errors.Is(err, omnirecorder.ErrSetup) {
		t.Errorf("Setup without ffmpeg = %v, want ErrSetup", err)
	}

	r = &fakeRunner{}
	s = New(omnirecorder.SensorConfig{"init_command": "/opt/pcmd3180_init.sh"}, nil).WithRunner(r)
	if err := s.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := r.call(0); got != "sh -c /opt/pcmd3180_init.sh" {
		t.Errorf("init = %q", got)
	}
}

func TestCaptureTrimsLeadIn(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{}
	s := New(omnirecorder.SensorConfig{"record_length": 10, "capture_card": 1}, nil).WithRunner(r)
	slot := &omnirecorder.Slot{ID: "2026-10-17T02_00_00.000Z", Path: filepath.Join(dir, ".partial-x")}

	if err := s.Capture(context.Background(), slot); err != nil {
		t.Fatal(err)
	}
	if slot.Ext != "wav" {
		t.Errorf("Ext = %q", slot.Ext)
	}
	untrimmed := slot.Path + "-untrimmed.wav"
	if got, want := r.call(0), "arecord --device plughw:1,0 -c1 --rate 44100 --format S32_LE --duration 11 "+untrimmed; got != want {
		t.Errorf("arecord = %q\nwant %q", got, want)
	}
	if got := r.call(1); !strings.Contains(got, "-i "+untrimmed+" -ss 1 -f wav "+slot.Path) {
		t.Errorf("ffmpeg = %q", got)
	}
	if _, err := os.Stat(untrimmed); !os.IsNotExist(err) {
		t.Error("untrimmed recording left behind")
	}
}

func TestCaptureFailure(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{fail: map[string]error{"arecord": errors.New("audio open error: Device or resource busy")}}
	s := New(nil, nil).WithRunner(r)
	slot := &omnirecorder.Slot{ID: "x", Path: filepath.Join(dir, ".partial-x")}

	if err := s.Capture(context.Background(), slot); err == nil {
		t.Fatal("expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("files left after failed capture: %d", len(entries))
	}
}

func TestPostprocess(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		ext      string
		want     string
	}{
		{"mp3", true, "mp3", "-codec:a libmp3lame -filter:a volume=5 -qscale:a 0 -ac 1 -f mp3"},
		{"wav", false, "wav", "-filter:a volume=5 -f wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			r := &fakeRunner{}
			s := New(omnirecorder.SensorConfig{"compress_data": tt.compress}, nil).WithRunner(r)
			src := omnirecorder.Unit{ID: "id", Ext: "wav", Path: filepath.Join(dir, "id.wav")}
			dst := &omnirecorder.Slot{ID: "id", Path: filepath.Join(dir, ".tmp-id")}

			if err := s.Postprocess(context.Background(), src, dst); err != nil {
				t.Fatal(err)
			}
			if dst.Ext != tt.ext {
				t.Errorf("Ext = %q", dst.Ext)
			}
			if got := r.call(0); !strings.Contains(got, "-i "+src.Path+" "+tt.want+" "+dst.Path) {
				t.Errorf("ffmpeg = %q", got)
			}
		})
	}
}
