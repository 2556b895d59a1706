package remote

import "encoding/json"

// Codec is a Connect codec that sends plain Go structs as JSON. It replaces
// Connect's protobuf JSON codec under the same name, so the wire format is
// ordinary application/json.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
