package caravel

import (
	"encoding/json"
	"fmt"
)

// Serializer converts saga instances to and from their stored payload.
type Serializer interface {
	// Serialize converts an instance to bytes.
	Serialize(instance any) ([]byte, error)

	// Deserialize restores an instance from bytes.
	Deserialize(data []byte, instance any) error
}

// JSONSerializer is the default Serializer. JSON payloads are required
// for query-based correlation against document-store backends.
type JSONSerializer struct{}

// NewJSONSerializer creates a new JSONSerializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Serialize implements Serializer.
func (s *JSONSerializer) Serialize(instance any) ([]byte, error) {
	data, err := json.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("caravel: failed to serialize instance: %w", err)
	}
	return data, nil
}

// Deserialize implements Serializer.
func (s *JSONSerializer) Deserialize(data []byte, instance any) error {
	if err := json.Unmarshal(data, instance); err != nil {
		return fmt.Errorf("caravel: failed to deserialize instance: %w", err)
	}
	return nil
}
