package rabbitmq

import (
	"encoding/json"
	"fmt"
)

const contentTypeJSON = "application/json"

// Codec encodes outgoing messages and decodes incoming bodies.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// JSONCodec is the wire codec: UTF-8 JSON bodies.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	switch d := v.(type) {
	case json.RawMessage:
		if !json.Valid(d) {
			return nil, fmt.Errorf("rabbitmq: raw message is not valid JSON")
		}
		return d, nil
	default:
		return json.Marshal(v)
	}
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) ContentType() string {
	return contentTypeJSON
}
