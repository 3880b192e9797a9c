package validation

import "encoding/json"

// Validator checks handler payloads and worker settings against JSON Schema
// (Draft 2020-12).
type Validator interface {
	ValidatePayload(payload json.RawMessage, payloadSchema []byte) error
	ValidateSettings(doc any) error
}
