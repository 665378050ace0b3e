package adapters

import (
	"encoding/binary"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var stateJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// encode marshals a value to JSON and compresses it with snappy.
func encode(v interface{}) ([]byte, error) {
	raw, err := stateJSON.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal value")
	}
	return snappy.Encode(nil, raw), nil
}

// decode reverses encode.
func decode(enc []byte, dst interface{}) error {
	raw, err := snappy.Decode(nil, enc)
	if err != nil {
		return errors.Wrap(err, "could not snappy decode value")
	}
	return errors.Wrap(stateJSON.Unmarshal(raw, dst), "could not unmarshal value")
}

// Big endian keeps bolt's byte order equal to slot order, so cursors walk slots ascending.
func slotKey(slot domain.Slot) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(slot))
	return key
}

func keySlot(key []byte) domain.Slot {
	return domain.Slot(binary.BigEndian.Uint64(key))
}

func epochKey(epoch domain.Epoch) []byte {
	return slotKey(domain.Slot(epoch))
}
