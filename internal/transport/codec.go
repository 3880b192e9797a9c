package transport

import "encoding/json"

// Codec encodes messages as JSON on the wire. The dispatcher protocol is
// declared by hand rather than generated, so the schema types double as
// message types.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (Codec) Name() string { return "json" }
