package plate

import (
	"encoding/json"
	"fmt"
)

// Codec decodes feed frames into *Snapshot values. It satisfies
// connection.Codec, so decode failures surface as manager error events.
type Codec struct{}

// Decode parses a snapshot frame and checks its protocol version.
func (Codec) Decode(data []byte) (any, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, snap.Version)
	}
	return &snap, nil
}

// Encode serializes an outbound payload as JSON.
func (Codec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
