// Package msgpack provides a MessagePack serializer for saga instances.
//
// MessagePack is a binary serialization format that produces smaller
// payloads than JSON. It suits repositories backed by binary-friendly
// storage; the Postgres adapter's property-equality queries require JSON
// instance data, so keep the default serializer there.
//
// Basic usage:
//
//	repo := caravel.NewRepository(storage, newOrderState,
//		caravel.WithSerializer[*OrderState](msgpack.NewSerializer()))
package msgpack

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer is a MessagePack instance codec.
type Serializer struct{}

// NewSerializer creates a MessagePack Serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Serialize converts an instance to MessagePack bytes.
func (s *Serializer) Serialize(instance any) ([]byte, error) {
	if instance == nil {
		return nil, fmt.Errorf("msgpack: cannot serialize nil instance")
	}

	data, err := msgpack.Marshal(instance)
	if err != nil {
		return nil, fmt.Errorf("msgpack: serialize %T: %w", instance, err)
	}
	return data, nil
}

// Deserialize decodes MessagePack bytes into the given instance.
func (s *Serializer) Deserialize(data []byte, instance any) error {
	if instance == nil {
		return fmt.Errorf("msgpack: cannot deserialize into nil instance")
	}

	if err := msgpack.Unmarshal(data, instance); err != nil {
		return fmt.Errorf("msgpack: deserialize %T: %w", instance, err)
	}
	return nil
}
