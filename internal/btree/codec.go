package btree

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// bucketPayload is the msgpack shape of a stored bucket. Values are
// omitted for sets.
type bucketPayload[K Key, V any] struct {
	Keys   []K `msgpack:"k"`
	Values []V `msgpack:"v,omitempty"`
}

func encodeBucket[K Key, V any](keys []K, vals []V) ([]byte, error) {
	raw, err := msgpack.Marshal(&bucketPayload[K, V]{Keys: keys, Values: vals})
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeBucket[K Key, V any](payload []byte, withValues bool) ([]K, []V, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("snappy: %w", err)
	}
	var p bucketPayload[K, V]
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("msgpack: %w", err)
	}
	if withValues && len(p.Values) != len(p.Keys) {
		return nil, nil, fmt.Errorf("%d keys but %d values", len(p.Keys), len(p.Values))
	}
	if !withValues {
		p.Values = nil
	}
	return p.Keys, p.Values, nil
}
