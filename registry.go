package omnirecorder

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	stores     = make(map[string]StoreFactory)
	sensors    = make(map[string]SensorFactory)
)

// StoreFactory creates a Store from configuration.
// The config map contains store-specific configuration keys.
type StoreFactory func(config map[string]string) (Store, error)

// SensorFactory creates a Sensor from its configuration section.
type SensorFactory func(config SensorConfig, logger *slog.Logger) (Sensor, error)

// RegisterStore registers a store factory under the given name.
// It is typically called from init() in store packages.
//
// RegisterStore panics if factory is nil or the name is already registered.
func RegisterStore(name string, factory StoreFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("omnirecorder: RegisterStore factory is nil")
	}
	if _, dup := stores[name]; dup {
		panic("omnirecorder: RegisterStore called twice for store " + name)
	}
	stores[name] = factory
}

// OpenStore opens a store by name with the given configuration.
//
// Example:
//
//	store, err := omnirecorder.OpenStore("s3", map[string]string{
//	    "bucket": "field-audio",
//	    "region": "eu-west-2",
//	})
func OpenStore(name string, config map[string]string) (Store, error) {
	registryMu.RLock()
	factory, ok := stores[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
	}
	return factory(config)
}

// RegisterSensor registers a sensor driver under its type name, the value of
// sensor_type in the configuration document.
//
// RegisterSensor panics if factory is nil or the name is already registered.
func RegisterSensor(name string, factory SensorFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("omnirecorder: RegisterSensor factory is nil")
	}
	if _, dup := sensors[name]; dup {
		panic("omnirecorder: RegisterSensor called twice for sensor " + name)
	}
	sensors[name] = factory
}

// NewSensor builds a registered sensor driver.
func NewSensor(name string, config SensorConfig, logger *slog.Logger) (Sensor, error) {
	registryMu.RLock()
	factory, ok := sensors[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, name)
	}
	return factory(config, logger)
}

// Stores returns a sorted list of registered store names.
func Stores() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return sortedKeys(stores)
}

// Sensors returns a sorted list of registered sensor names.
func Sensors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return sortedKeys(sensors)
}

// UnregisterStore removes a registered store. Primarily useful for testing.
func UnregisterStore(name string) bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := stores[name]; ok {
		delete(stores, name)
		return true
	}
	return false
}

// UnregisterSensor removes a registered sensor. Primarily useful for testing.
func UnregisterSensor(name string) bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := sensors[name]; ok {
		delete(sensors, name)
		return true
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
