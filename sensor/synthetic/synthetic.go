// Package synthetic is a bench sensor that records a generated sine tone.
// It exercises the whole pipeline on hardware without a microphone.
package synthetic

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/omnirecorder"
	"github.com/grokify/omnirecorder/compress"
)

// Name is the sensor_type this driver registers under.
const Name = "Synthetic"

func init() {
	omnirecorder.RegisterSensor(Name, func(config omnirecorder.SensorConfig, logger *slog.Logger) (omnirecorder.Sensor, error) {
		return New(config, logger)
	})
}

var options = []omnirecorder.Option{
	{Name: "record_length", Kind: omnirecorder.KindInt, Default: 10, Prompt: "Length in seconds of each generated segment"},
	{Name: "record_freq", Kind: omnirecorder.KindInt, Default: 8000, Prompt: "Sample rate of the generated audio"},
	{Name: "tone_freq", Kind: omnirecorder.KindFloat, Default: 440.0, Prompt: "Frequency in Hz of the generated tone"},
	{Name: "compression", Kind: omnirecorder.KindString, Default: "zstd", Prompt: "Compression of ready units: zstd, gzip or none"},
	{Name: "capture_delay", Kind: omnirecorder.KindInt, Default: 0, Prompt: "How long should the system wait between segments?"},
	{Name: "realtime", Kind: omnirecorder.KindBool, Default: false, Prompt: "Should capture take as long as the segment?"},
}

// Sensor generates mono 16-bit PCM WAV segments.
type Sensor struct {
	RecordLength int
	RecordFreq   int
	ToneFreq     float64
	Codec        compress.Codec
	CaptureDelay int
	Realtime     bool

	logger *slog.Logger
}

// New builds the driver. An unknown compression name is an error.
func New(config omnirecorder.SensorConfig, logger *slog.Logger) (*Sensor, error) {
	if logger == nil {
		logger = slogutil.Null()
	}
	set := omnirecorder.NewOptionSet(options)
	codec, err := compress.ParseCodec(config.String(set, "compression"))
	if err != nil {
		return nil, err
	}
	return &Sensor{
		RecordLength: config.Int(set, "record_length"),
		RecordFreq:   config.Int(set, "record_freq"),
		ToneFreq:     config.Float(set, "tone_freq"),
		Codec:        codec,
		CaptureDelay: config.Int(set, "capture_delay"),
		Realtime:     config.Bool(set, "realtime"),
		logger:       logger.With("sensor", Name),
	}, nil
}

func (s *Sensor) Name() string { return Name }

func (s *Sensor) Options() []omnirecorder.Option {
	out := make([]omnirecorder.Option, len(options))
	copy(out, options)
	return out
}

func (s *Sensor) Setup(context.Context) error {
	if s.RecordLength <= 0 || s.RecordFreq <= 0 {
		return fmt.Errorf("%w: record_length and record_freq must be positive", omnirecorder.ErrSetup)
	}
	return nil
}

// Capture writes one segment. In realtime mode it returns only after the
// segment's duration has passed.
func (s *Sensor) Capture(ctx context.Context, dst *omnirecorder.Slot) error {
	start := time.Now()
	f, err := os.OpenFile(dst.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := writeWAV(w, s.RecordFreq, s.RecordLength*s.RecordFreq, s.ToneFreq); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	dst.Ext = "wav"

	if s.Realtime {
		wait := time.Duration(s.RecordLength)*time.Second - time.Since(start)
		if wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil
}

// Postprocess compresses src with the configured codec.
func (s *Sensor) Postprocess(_ context.Context, src omnirecorder.Unit, dst *omnirecorder.Slot) error {
	in, err := os.Open(src.Path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w, err := compress.NewWriter(out, s.Codec)
	if err != nil {
		_ = out.Close()
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	dst.Ext = strings.TrimPrefix(src.Ext+s.Codec.Ext(), ".")
	return nil
}

// SyncInterval is one capture period.
func (s *Sensor) SyncInterval() time.Duration {
	return time.Duration(s.RecordLength+s.CaptureDelay) * time.Second
}

// writeWAV writes a mono 16-bit PCM WAV of samples samples.
func writeWAV(w io.Writer, rate, samples int, tone float64) error {
	dataSize := uint32(samples * 2)
	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(1), // PCM
		uint16(1), // mono
		uint32(rate),
		uint32(rate * 2),
		uint16(2),
		uint16(16),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	var sample [2]byte
	step := 2 * math.Pi * tone / float64(rate)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(step*float64(i)) * math.MaxInt16 / 2)
		binary.LittleEndian.PutUint16(sample[:], uint16(v))
		if _, err := w.Write(sample[:]); err != nil {
			return err
		}
	}
	return nil
}
