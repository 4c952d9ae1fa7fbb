package btree

import "errors"

var (
	// ErrKeyType is returned when a key of the wrong Go type is used.
	ErrKeyType = errors.New("btree: key type mismatch")

	// ErrValueType is returned when a map value of the wrong Go type is used.
	ErrValueType = errors.New("btree: value type mismatch")

	// ErrCorruptChain is returned when stored buckets do not form a valid
	// strictly increasing chain.
	ErrCorruptChain = errors.New("btree: corrupt bucket chain")
)

// Bucket is a read-only handle on one leaf bucket.
type Bucket interface {
	// Len returns the number of entries held by the bucket.
	Len() int
	// Next returns the following bucket, or nil for the last one.
	Next() Bucket
	// OID is the stored object id, zero for buckets never saved.
	OID() uint64
	// Serial is the version the bucket was loaded or last saved at.
	Serial() uint64
}

// Container is the type-erased view of an ordered container. Keys and
// values are passed as the Go types the container was instantiated with;
// set containers report nil values.
//
// Containers are not safe for concurrent use.
type Container interface {
	Type() *Type
	OID() uint64
	Len() int

	// FirstBucket returns the head of the bucket chain, nil when empty.
	FirstBucket() Bucket
	// LastBucket returns the tail of the bucket chain, nil when empty.
	LastBucket() Bucket

	// Ascend calls fn for each entry in ascending key order until fn
	// returns false.
	Ascend(fn func(key, value any) bool)
	// AscendFrom is Ascend starting at the first key >= pivot.
	AscendFrom(pivot any, fn func(key, value any) bool) error

	Get(key any) (value any, ok bool)
	// Put inserts or overwrites an entry. value is ignored for sets and
	// may be nil for maps, meaning the zero value.
	Put(key, value any) error
	Delete(key any) (bool, error)
	MaxKey() (any, bool)
}

// BucketRef identifies a stored bucket version.
type BucketRef struct {
	OID    uint64
	Serial uint64
}

// BucketImage is the storable form of one bucket.
type BucketImage struct {
	OID    uint64
	Serial uint64
	Next   uint64
	// New buckets have never been stored.
	New bool
	// Dirty buckets changed since they were loaded or saved; Payload is
	// only populated for new or dirty buckets.
	Dirty   bool
	Payload []byte
}

// NextSerial is the serial the bucket carries once this image is written.
func (img BucketImage) NextSerial() uint64 {
	if img.New {
		return 1
	}
	return img.Serial + 1
}

// Persistent is implemented by containers the store can write and reload.
type Persistent interface {
	Container

	Serial() uint64
	// Stored reports whether the container header was ever saved.
	Stored() bool
	// Adopt assigns the object id of an unsaved container.
	Adopt(oid uint64)
	// HeaderChanged reports a change in length or chain head since the
	// last load or save.
	HeaderChanged() bool
	// Changed reports any unsaved modification.
	Changed() bool
	// Images returns all buckets in chain order, allocating object ids
	// for buckets that have none.
	Images(alloc func() (uint64, error)) ([]BucketImage, error)
	// Removed lists stored buckets that were unlinked since the last save.
	Removed() []BucketRef
	// Saved records a successful write of Images and Removed.
	Saved()
}
