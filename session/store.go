package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// VersionDisabled is the version reported when versioning is off.
const VersionDisabled int64 = -1

// stateStore holds the authoritative state in its canonical JSON encoding
// together with its version. Reads decode a fresh copy, so callers never
// alias the stored value.
type stateStore[S any] struct {
	mu         sync.RWMutex
	encoded    []byte
	version    int64
	versioning bool
}

func newStateStore[S any](versioning bool) *stateStore[S] {
	st := &stateStore[S]{versioning: versioning, version: VersionDisabled}
	if versioning {
		st.version = 0
	}
	return st
}

// canonical encodes v. encoding/json sorts map keys, so structurally equal
// values encode to equal bytes.
func canonical(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeState[S any](data []byte) (S, error) {
	var out S
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// init sets state and version without counting a mutation.
func (st *stateStore[S]) init(state S, version int64) error {
	encoded, err := canonical(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.encoded = encoded
	if st.versioning {
		if version < 0 {
			version = 0
		}
		st.version = version
	} else {
		st.version = VersionDisabled
	}
	return nil
}

func (st *stateStore[S]) get() S {
	st.mu.RLock()
	data := st.encoded
	st.mu.RUnlock()

	// encoded was produced from an S, so decoding cannot fail short of a
	// custom unmarshaler bug.
	out, _ := decodeState[S](data)
	return out
}

func (st *stateStore[S]) getVersion() int64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.version
}

// raw returns a copy of the canonical encoding.
func (st *stateStore[S]) raw() json.RawMessage {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append(json.RawMessage(nil), st.encoded...)
}

func (st *stateStore[S]) snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return Snapshot{
		State:   append(json.RawMessage(nil), st.encoded...),
		Version: st.version,
	}
}

// replace stores next as a new mutation. It returns the previous encoding,
// whether the canonical encoding changed and the resulting version.
func (st *stateStore[S]) replace(next S) (prev []byte, changed bool, version int64, err error) {
	encoded, err := canonical(next)
	if err != nil {
		return nil, false, 0, fmt.Errorf("encode state: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	prev = st.encoded
	changed = !bytes.Equal(prev, encoded)
	st.encoded = encoded
	if st.versioning {
		st.version++
	}
	return prev, changed, st.version, nil
}
