package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/relay/pkg/schema"
)

const digestInputSchema = `{
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": { "type": "string" },
    "algorithm": { "type": "string", "enum": ["sha256", "sha512", "sha384", "md5", "sha1"] }
  }
}`

const hmacInputSchema = `{
  "type": "object",
  "required": ["data", "key"],
  "properties": {
    "data": { "type": "string" },
    "key": { "type": "string", "minLength": 1 },
    "algorithm": { "type": "string", "enum": ["sha256", "sha512", "sha384", "md5", "sha1"] }
  }
}`

// CryptoHandlers returns crypto.hash, crypto.hmac and crypto.uuid.
func CryptoHandlers() []Handler {
	return []Handler{
		&hashHandler{},
		&hmacHandler{},
		Func("crypto.uuid", "Generate a v4 UUID", func(context.Context, Input) (any, error) {
			return map[string]any{"uuid": uuid.NewString()}, nil
		}),
	}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
}

type hashHandler struct{}

func (h *hashHandler) Name() string { return "crypto.hash" }

func (h *hashHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Compute a hex digest of the data parameter",
		InputSchema: json.RawMessage(digestInputSchema),
	}
}

func (h *hashHandler) Execute(_ context.Context, input Input) (*Output, error) {
	data, ok := input.Params["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string parameter")
	}
	algorithm := optionalString(input.Params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	d := newHash()
	d.Write([]byte(data))
	return marshalOutput(h.Name(), map[string]any{
		"hash":      hex.EncodeToString(d.Sum(nil)),
		"algorithm": algorithm,
	})
}

type hmacHandler struct{}

func (h *hmacHandler) Name() string { return "crypto.hmac" }

func (h *hmacHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description: "Compute a hex HMAC of the data parameter with key",
		InputSchema: json.RawMessage(hmacInputSchema),
	}
}

func (h *hmacHandler) Execute(_ context.Context, input Input) (*Output, error) {
	data, ok := input.Params["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data' string parameter")
	}
	key, err := requireString(input.Params, h.Name(), "key")
	if err != nil {
		return nil, err
	}
	algorithm := optionalString(input.Params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	return marshalOutput(h.Name(), map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	})
}
