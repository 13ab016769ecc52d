// Package omnirecorder is the control core of an unattended field recorder.
//
// A Sensor produces units of data into a durable on-disk buffer, and a sync
// worker drains ready units to a remote Store over an intermittent link. The
// two sides never share memory: the buffer directory is the only coordination
// surface, so an abrupt power cut at any point leaves a state that a fresh
// directory scan fully reconstructs.
//
// Basic usage:
//
//	sensor, _ := omnirecorder.NewSensor("I2SMic", sensorConfig, logger)
//	store, _ := omnirecorder.OpenStore("s3", map[string]string{"bucket": "field-audio"})
//	buf, _ := buffer.Open(buffer.Options{Root: root.Path, Prefix: prefix})
//	loop := recorder.New(sensor, buf, recorder.Options{})
//	worker := syncer.New(buf, store, syncer.Options{})
package omnirecorder

import (
	"context"
	"io"
	"time"
)

// Sensor is the pluggable capture driver. One implementation exists per
// physical sensor type; drivers are selected by name through the sensor
// registry.
//
// Postprocessing and sleeping are optional capabilities. A driver that does
// not implement Postprocessor has its captured file promoted to the ready area
// unchanged; a driver that does not implement Sleeper is paused for the
// configured capture interval.
type Sensor interface {
	// Name returns the registered sensor type name.
	Name() string

	// Options declares the configuration surface with defaults.
	// It must be pure.
	Options() []Option

	// Setup verifies that required devices and tools are present.
	// It is called once before recording starts; an error is fatal and
	// should wrap ErrSetup.
	Setup(ctx context.Context) error

	// Capture performs one capture cycle, writing raw data to dst.Path and
	// setting dst.Ext. A failed capture must leave nothing the next cycle
	// depends on; the buffer discards dst after an error.
	Capture(ctx context.Context, dst *Slot) error
}

// Postprocessor transforms a captured unit into its upload form.
//
// Postprocess runs concurrently with the next Capture, on disjoint paths. It
// reads src.Path and writes the result to dst.Path, setting dst.Ext. The
// buffer publishes dst atomically only after Postprocess returns nil.
type Postprocessor interface {
	Postprocess(ctx context.Context, src Unit, dst *Slot) error
}

// Sleeper overrides the fixed inter-capture pause.
type Sleeper interface {
	Sleep(ctx context.Context) error
}

// SyncIntervaler lets a driver suggest how often the sync worker should run,
// typically one capture period.
type SyncIntervaler interface {
	SyncInterval() time.Duration
}

// Store is the remote object store that ready units are delivered to.
// Implementations are safe for concurrent use.
//
// Put must return nil only once the remote side has acknowledged the complete
// object. Errors should be classified with Transient or Permanent; the sync
// worker treats unclassified errors as transient.
type Store interface {
	// Put uploads size bytes from r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64, opts ...PutOption) error

	// Stat returns metadata for a stored object.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Probe reports whether the store is currently reachable.
	Probe(ctx context.Context) error

	// Close releases any resources held by the store.
	// After Close, all other methods return ErrStoreClosed.
	Close() error
}
