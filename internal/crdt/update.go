package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const updateVersion = 1

var ErrMalformedUpdate = errors.New("malformed update")

// entry is a last-writer-wins register for one field. Deleted entries are
// tombstones so that removals converge like any other write.
type entry struct {
	Value   json.RawMessage `json:"v,omitempty"`
	Deleted bool            `json:"d,omitempty"`
	Clock   uint64          `json:"c"`
	Client  string          `json:"a"`
}

// wins reports whether e should replace o. The order is total over
// (clock, client, deleted, value) so every replica picks the same winner.
func (e entry) wins(o entry) bool {
	if e.Clock != o.Clock {
		return e.Clock > o.Clock
	}
	if e.Client != o.Client {
		return e.Client > o.Client
	}
	if e.Deleted != o.Deleted {
		return e.Deleted
	}
	return bytes.Compare(e.Value, o.Value) > 0
}

type update struct {
	Version int              `json:"ver"`
	Entries map[string]entry `json:"e"`
}

func encodeUpdate(entries map[string]entry) []byte {
	data, err := json.Marshal(update{Version: updateVersion, Entries: entries})
	if err != nil {
		// entries only hold raw JSON that was validated on the way in
		panic(fmt.Sprintf("crdt: encode update: %v", err))
	}
	return data
}

// decodeUpdate parses and validates an update without touching any state.
func decodeUpdate(data []byte) (map[string]entry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}

	var u update
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedUpdate)
	}
	if u.Version != updateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, u.Version)
	}

	for field, e := range u.Entries {
		if field == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrMalformedUpdate)
		}
		if e.Client == "" || e.Clock == 0 {
			return nil, fmt.Errorf("%w: field %q has no clock", ErrMalformedUpdate, field)
		}
		if e.Deleted {
			if len(e.Value) != 0 {
				return nil, fmt.Errorf("%w: tombstone for %q carries a value", ErrMalformedUpdate, field)
			}
			continue
		}
		var compact bytes.Buffer
		if len(e.Value) == 0 || json.Compact(&compact, e.Value) != nil {
			return nil, fmt.Errorf("%w: field %q has invalid value", ErrMalformedUpdate, field)
		}
		e.Value = compact.Bytes()
		u.Entries[field] = e
	}

	if u.Entries == nil {
		u.Entries = map[string]entry{}
	}
	return u.Entries, nil
}
