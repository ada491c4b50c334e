package connection

import "encoding/json"

// Codec converts between wire frames and application values.
type Codec interface {
	// Decode parses one inbound frame. The manager does not interpret the result.
	Decode(data []byte) (any, error)

	// Encode serializes an outbound payload.
	Encode(v any) ([]byte, error)
}

// JSONCodec decodes frames into generic JSON values (map[string]any, []any, float64, ...).
type JSONCodec struct{}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode implements Codec. Raw byte payloads are sent as-is.
func (JSONCodec) Encode(v any) ([]byte, error) {
	switch p := v.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	}
	return json.Marshal(v)
}
