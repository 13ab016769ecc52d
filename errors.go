package omnirecorder

import (
	"errors"
	"fmt"
)

// Error classes shared by all components.
var (
	// ErrSetup is returned when a sensor cannot run on this device.
	ErrSetup = errors.New("omnirecorder: sensor setup failed")

	// ErrStorageUnavailable is returned when no writable storage root exists.
	ErrStorageUnavailable = errors.New("omnirecorder: no writable storage root")

	// ErrCapture is returned when a single capture cycle fails.
	ErrCapture = errors.New("omnirecorder: capture failed")

	// ErrPostprocess is returned when postprocessing a unit fails.
	ErrPostprocess = errors.New("omnirecorder: postprocess failed")

	// ErrConnectivityTimeout is returned when the network is not reachable
	// within the allowed wait.
	ErrConnectivityTimeout = errors.New("omnirecorder: connectivity timeout")

	// ErrUploadTransient marks an upload failure worth retrying.
	ErrUploadTransient = errors.New("omnirecorder: transient upload failure")

	// ErrUploadPermanent marks an upload the remote store rejected.
	ErrUploadPermanent = errors.New("omnirecorder: permanent upload failure")

	// ErrNotFound is returned when a key or unit does not exist.
	ErrNotFound = errors.New("omnirecorder: not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("omnirecorder: store closed")

	// ErrInvalidKey is returned for empty or escaping object keys.
	ErrInvalidKey = errors.New("omnirecorder: invalid key")

	// ErrUnknownSensor is returned by NewSensor for unregistered types.
	ErrUnknownSensor = errors.New("omnirecorder: unknown sensor")

	// ErrUnknownStore is returned by OpenStore for unregistered types.
	ErrUnknownStore = errors.New("omnirecorder: unknown store")
)

// UploadError carries the retry class of a failed upload.
type UploadError struct {
	Kind error // ErrUploadTransient or ErrUploadPermanent
	Err  error
}

func (e *UploadError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap exposes both the class and the cause to errors.Is and errors.As.
func (e *UploadError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &UploadError{Kind: ErrUploadTransient, Err: err}
}

// Permanent marks err as a rejection that retrying will not fix.
// A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &UploadError{Kind: ErrUploadPermanent, Err: err}
}

// IsPermanent returns true if err was classified as permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUploadPermanent)
}

// IsTransient returns true unless err is nil or classified as permanent.
// Unclassified errors are treated as transient so data is never dropped.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// IsNotFound returns true if the error indicates a missing key or unit.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
