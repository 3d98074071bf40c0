package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Encode renders msg as a JSON envelope.
func Encode(msg Message) ([]byte, error) {
	var raw json.RawMessage
	if msg.Data != nil {
		b, err := sonic.Marshal(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal data for %q: %w", msg.Type, err)
		}
		raw = b
	}
	return sonic.Marshal(Envelope{Type: msg.Type, Data: raw})
}

// Decode parses a JSON envelope, returning the message type and raw data.
func Decode(data []byte) (MessageType, json.RawMessage, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("protocol: envelope missing type field")
	}
	return env.Type, env.Data, nil
}

// DecodeData decodes a raw data field into a typed value.
func DecodeData[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("protocol: missing data")
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("protocol: unmarshal data: %w", err)
	}
	return v, nil
}
