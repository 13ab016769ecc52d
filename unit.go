package omnirecorder

import (
	"fmt"
	"strings"
	"time"
)

// Stage is the lifecycle stage of a Unit.
type Stage string

const (
	// StageCaptured means raw data is complete in the working area.
	StageCaptured Stage = "captured"

	// StageReady means postprocessing finished and the unit may be uploaded.
	StageReady Stage = "ready"

	// StageGone means the remote store acknowledged the unit and the local
	// file was removed.
	StageGone Stage = "gone"
)

// IDLayout formats unit identifiers. Colons are replaced so the name is valid
// on FAT filesystems; lexicographic order equals chronological order.
const IDLayout = "2006-01-02T15_04_05.000Z"

// NewUnitID returns the identifier for a capture started at t.
func NewUnitID(t time.Time) string {
	return t.UTC().Format(IDLayout)
}

// ParseUnitID returns the capture time encoded in id.
func ParseUnitID(id string) (time.Time, error) {
	t, err := time.Parse(IDLayout, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse unit id %q: %w", id, err)
	}
	return t, nil
}

// Unit is one discrete artifact of sensor output.
type Unit struct {
	// ID is the timestamp-derived identifier.
	ID string

	// Ext is the file extension without the dot, possibly empty.
	Ext string

	// Key is the path relative to the ready area, using forward slashes.
	// It doubles as the remote object key. Empty for captured units.
	Key string

	// Path is the absolute local path.
	Path string

	Stage   Stage
	Size    int64
	Created time.Time
}

// Name returns the file name of the unit.
func (u Unit) Name() string {
	return FileName(u.ID, u.Ext)
}

// FileName joins an id and an optional extension.
func FileName(id, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return id
	}
	return id + "." + ext
}

// Slot is a destination a sensor writes into. The buffer owns its placement;
// the sensor writes Path and may set Ext.
type Slot struct {
	ID   string
	Path string
	Ext  string
}
