// Package i2smic drives a mono I2S microphone through arecord and ffmpeg.
//
// Capture records record_length seconds plus a lead-in that is trimmed off to
// remove the start-up pop. Postprocess amplifies the recording and either
// encodes VBR mp3 or keeps WAV.
package i2smic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/grokify/mogo/log/slogutil"

	"github.com/grokify/omnirecorder"
)

// Name is the sensor_type this driver registers under.
const Name = "I2SMic"

// TrimSeconds is recorded in addition to record_length and cut from the
// start of every capture.
const TrimSeconds = 1

func init() {
	omnirecorder.RegisterSensor(Name, func(config omnirecorder.SensorConfig, logger *slog.Logger) (omnirecorder.Sensor, error) {
		return New(config, logger), nil
	})
}

// Runner runs an external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	LookPath(name string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run runs name and includes its combined output in any error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%s: %w: %s", name, err, trimOutput(out))
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// LookPath reports whether name is on PATH.
func (ExecRunner) LookPath(name string) error {
	_, err := exec.LookPath(name)
	return err
}

func trimOutput(out []byte) string {
	const limit = 512
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return string(out)
}

// Sensor is the I2S microphone driver.
type Sensor struct {
	RecordLength  int
	RecordFreq    int
	CompressData  bool
	Amplification int
	CaptureDelay  int
	CaptureCard   int
	InitCommand   string

	runner Runner
	logger *slog.Logger
}

// New builds the driver from its configuration section.
func New(config omnirecorder.SensorConfig, logger *slog.Logger) *Sensor {
	if logger == nil {
		logger = slogutil.Null()
	}
	set := omnirecorder.NewOptionSet(options)
	return &Sensor{
		RecordLength:  config.Int(set, "record_length"),
		RecordFreq:    config.Int(set, "record_freq"),
		CompressData:  config.Bool(set, "compress_data"),
		Amplification: config.Int(set, "amplification"),
		CaptureDelay:  config.Int(set, "capture_delay"),
		CaptureCard:   config.Int(set, "capture_card"),
		InitCommand:   config.String(set, "init_command"),
		runner:        ExecRunner{},
		logger:        logger.With("sensor", Name),
	}
}

// WithRunner replaces the command runner.
func (s *Sensor) WithRunner(r Runner) *Sensor {
	s.runner = r
	return s
}

var options = []omnirecorder.Option{
	{Name: "record_length", Kind: omnirecorder.KindInt, Default: 1200, Prompt: "What is the time in seconds of the audio segments?"},
	{Name: "record_freq", Kind: omnirecorder.KindInt, Default: 44100, Prompt: "At what frequency should we sample from the I2S microphone?"},
	{Name: "compress_data", Kind: omnirecorder.KindBool, Default: true, Prompt: "Should the audio data be compressed from WAV to VBR mp3?"},
	{Name: "amplification", Kind: omnirecorder.KindInt, Default: 5, Prompt: "By what factor should the audio be amplified by?"},
	{Name: "capture_delay", Kind: omnirecorder.KindInt, Default: 0, Prompt: "How long should the system wait between audio samples?"},
	{Name: "capture_card", Kind: omnirecorder.KindInt, Default: 0, Prompt: "What is the audio recording card number? (arecord --list-devices)"},
	{Name: "init_command", Kind: omnirecorder.KindString, Default: "", Prompt: "Command that initialises the microphone interface chip, if any"},
}

func (s *Sensor) Name() string { return Name }

func (s *Sensor) Options() []omnirecorder.Option {
	out := make([]omnirecorder.Option, len(options))
	copy(out, options)
	return out
}

// Setup checks for the recording tools and runs the init command.
func (s *Sensor) Setup(ctx context.Context) error {
	for _, tool := range []string{"arecord", "ffmpeg"} {
		if err := s.runner.LookPath(tool); err != nil {
			return fmt.Errorf("%w: %s: %v", omnirecorder.ErrSetup, tool, err)
		}
	}
	if s.RecordLength <= 0 || s.RecordFreq <= 0 {
		return fmt.Errorf("%w: record_length and record_freq must be positive", omnirecorder.ErrSetup)
	}
	if s.InitCommand != "" {
		s.logger.Info("initialising microphone interface", "command", s.InitCommand)
		if err := s.runner.Run(ctx, "sh", "-c", s.InitCommand); err != nil {
			return fmt.Errorf("%w: %v", omnirecorder.ErrSetup, err)
		}
	}
	return nil
}

// Capture records one segment into dst as WAV.
func (s *Sensor) Capture(ctx context.Context, dst *omnirecorder.Slot) error {
	untrimmed := dst.Path + "-untrimmed.wav"
	defer func() { _ = os.Remove(untrimmed) }()

	s.logger.Info("recording", "id", dst.ID, "seconds", s.RecordLength)
	err := s.runner.Run(ctx, "arecord",
		"--device", fmt.Sprintf("plughw:%d,0", s.CaptureCard),
		"-c1",
		"--rate", strconv.Itoa(s.RecordFreq),
		"--format", "S32_LE",
		"--duration", strconv.Itoa(s.RecordLength+TrimSeconds),
		untrimmed)
	if err != nil {
		return err
	}

	err = s.runner.Run(ctx, "ffmpeg", "-y", "-loglevel", "panic",
		"-i", untrimmed,
		"-ss", strconv.Itoa(TrimSeconds),
		"-f", "wav", dst.Path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst.Path); err != nil {
		return errors.New("ffmpeg produced no output")
	}
	dst.Ext = "wav"
	return nil
}

// Postprocess amplifies src and encodes VBR mp3, or WAV when compression is
// off.
func (s *Sensor) Postprocess(ctx context.Context, src omnirecorder.Unit, dst *omnirecorder.Slot) error {
	volume := fmt.Sprintf("volume=%d", s.Amplification)
	args := []string{"-y", "-loglevel", "panic", "-i", src.Path}
	if s.CompressData {
		args = append(args, "-codec:a", "libmp3lame", "-filter:a", volume, "-qscale:a", "0", "-ac", "1", "-f", "mp3", dst.Path)
		dst.Ext = "mp3"
	} else {
		args = append(args, "-filter:a", volume, "-f", "wav", dst.Path)
		dst.Ext = "wav"
	}

	start := time.Now()
	if err := s.runner.Run(ctx, "ffmpeg", args...); err != nil {
		return err
	}
	s.logger.Info("postprocessed", "id", src.ID, "ext", dst.Ext, "duration", time.Since(start))
	return nil
}

// SyncInterval is one capture period.
func (s *Sensor) SyncInterval() time.Duration {
	return time.Duration(s.RecordLength+s.CaptureDelay) * time.Second
}
