package crdt

import (
	"encoding/json"
	"fmt"
)

// op is one register assignment. Node == "" addresses the metadata map.
type op struct {
	Node  string          `json:"n,omitempty"`
	Field string          `json:"f"`
	Clock Clock           `json:"k"`
	Value json.RawMessage `json:"v"`
}

// updateEnvelope is the serialized form of an update blob. The session
// layer treats the blob as opaque bytes; only the engine reads it.
type updateEnvelope struct {
	Ops []op `json:"ops"`
}

func encodeUpdate(ops []op) []byte {
	raw, err := json.Marshal(updateEnvelope{Ops: ops})
	if err != nil {
		// ops hold json.RawMessage values that were produced by json.Marshal,
		// so re-encoding them cannot fail.
		panic(fmt.Sprintf("crdt: encode update: %v", err))
	}
	return raw
}

func decodeUpdate(update []byte) ([]op, error) {
	var env updateEnvelope
	if err := json.Unmarshal(update, &env); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	for i, o := range env.Ops {
		if o.Field == "" {
			return nil, fmt.Errorf("decode update: op %d has no field", i)
		}
		if o.Clock.Actor == "" {
			return nil, fmt.Errorf("decode update: op %d has no actor", i)
		}
	}
	return env.Ops, nil
}
