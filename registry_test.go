package omnirecorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type nopStore struct{}

func (nopStore) Put(context.Context, string, io.Reader, int64, ...PutOption) error { return nil }
func (nopStore) Stat(context.Context, string) (ObjectInfo, error)                  { return nil, ErrNotFound }
func (nopStore) Probe(context.Context) error                                      { return nil }
func (nopStore) Close() error                                                     { return nil }

type nopSensor struct{}

func (nopSensor) Name() string                         { return "nop" }
func (nopSensor) Options() []Option                    { return nil }
func (nopSensor) Setup(context.Context) error          { return nil }
func (nopSensor) Capture(context.Context, *Slot) error { return nil }

func TestStoreRegistry(t *testing.T) {
	const name = "registry-test-store"
	RegisterStore(name, func(map[string]string) (Store, error) { return nopStore{}, nil })
	defer UnregisterStore(name)

	s, err := OpenStore(name, nil)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	if _, ok := s.(nopStore); !ok {
		t.Errorf("OpenStore returned %T", s)
	}

	found := false
	for _, n := range Stores() {
		if n == name {
			found = true
		}
	}
	if !found {
		t.Errorf("Stores() = %v, missing %q", Stores(), name)
	}

	if _, err := OpenStore("no-such-store", nil); !errors.Is(err, ErrUnknownStore) {
		t.Errorf("OpenStore(unknown) error = %v, want ErrUnknownStore", err)
	}
}

func TestSensorRegistry(t *testing.T) {
	const name = "registry-test-sensor"
	RegisterSensor(name, func(SensorConfig, *slog.Logger) (Sensor, error) { return nopSensor{}, nil })
	defer UnregisterSensor(name)

	s, err := NewSensor(name, nil, nil)
	if err != nil {
		t.Fatalf("NewSensor failed: %v", err)
	}
	if s.Name() != "nop" {
		t.Errorf("Name = %q", s.Name())
	}

	if _, err := NewSensor("Geophone", nil, nil); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("NewSensor(unknown) error = %v, want ErrUnknownSensor", err)
	}
}

func TestRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("RegisterSensor(nil) should panic")
		}
	}()
	RegisterSensor("nil-factory", nil)
}

func TestUnregisterMissing(t *testing.T) {
	if UnregisterStore("never-registered") {
		t.Error("UnregisterStore returned true for unknown name")
	}
	if UnregisterSensor("never-registered") {
		t.Error("UnregisterSensor returned true for unknown name")
	}
}
