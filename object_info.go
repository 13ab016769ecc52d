package omnirecorder

import "time"

// ObjectInfo describes an object held by a Store.
type ObjectInfo interface {
	// Key returns the object key.
	Key() string

	// Size returns the object's size in bytes, or -1 if unknown.
	Size() int64

	// ModTime returns the last modification time, or the zero time.
	ModTime() time.Time

	// Hash returns the object's hash of the given type, or "" if the store
	// does not report it.
	Hash(HashType) string
}

// BasicObjectInfo is a simple implementation of ObjectInfo for stores.
type BasicObjectInfo struct {
	ObjectKey     string
	ObjectSize    int64
	ObjectModTime time.Time
	ObjectHashes  map[HashType]string
}

func (o *BasicObjectInfo) Key() string        { return o.ObjectKey }
func (o *BasicObjectInfo) Size() int64        { return o.ObjectSize }
func (o *BasicObjectInfo) ModTime() time.Time { return o.ObjectModTime }

// Hash returns the recorded hash for t.
func (o *BasicObjectInfo) Hash(t HashType) string {
	if o.ObjectHashes == nil {
		return ""
	}
	return o.ObjectHashes[t]
}

var _ ObjectInfo = (*BasicObjectInfo)(nil)
