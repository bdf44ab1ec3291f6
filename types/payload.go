package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PayloadVersion is the envelope version written by NewPayload.
const PayloadVersion = 1

// Payload is an opaque, versioned blob carried through the engine untouched.
type Payload struct {
	Version int             `json:"v,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewPayload encodes v as a versioned payload. A nil v yields the empty payload.
func NewPayload(v interface{}) (Payload, error) {
	if v == nil {
		return Payload{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Payload{Version: PayloadVersion, Data: data}, nil
}

// MustPayload is NewPayload for values known to be encodable.
func MustPayload(v interface{}) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// IsEmpty reports whether the payload carries no data.
func (p Payload) IsEmpty() bool {
	return len(bytes.TrimSpace(p.Data)) == 0 || bytes.Equal(bytes.TrimSpace(p.Data), []byte("null"))
}

// Decode unmarshals the payload data into v.
func (p Payload) Decode(v interface{}) error {
	if p.IsEmpty() {
		return nil
	}
	return json.Unmarshal(p.Data, v)
}

// Map decodes the payload as a JSON object. Non-object payloads are returned under "value".
func (p Payload) Map() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if p.IsEmpty() {
		return out, nil
	}
	if err := json.Unmarshal(p.Data, &out); err != nil {
		var v interface{}
		if err2 := json.Unmarshal(p.Data, &v); err2 != nil {
			return nil, err
		}
		return map[string]interface{}{"value": v}, nil
	}
	return out, nil
}
