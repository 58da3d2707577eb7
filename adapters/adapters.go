// Package adapters provides interfaces for saga storage backends.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for storage implementations.
// Backends should return these (or errors that match via errors.Is)
// to enable consistent error handling across different stores.
var (
	// ErrSagaNotFound indicates no saga exists for the correlation id.
	ErrSagaNotFound = errors.New("caravel: saga not found")

	// ErrSagaAlreadyExists indicates an insert collided with an existing
	// record for the same correlation id.
	ErrSagaAlreadyExists = errors.New("caravel: saga already exists")

	// ErrConcurrencyConflict is returned when an optimistic concurrency
	// check fails on update or delete.
	ErrConcurrencyConflict = errors.New("caravel: concurrency conflict")

	// ErrNilRecord indicates a nil record was passed to the storage.
	ErrNilRecord = errors.New("caravel: nil saga record")

	// ErrNoCorrelationID indicates a record without a correlation id.
	ErrNoCorrelationID = errors.New("caravel: correlation ID is required")

	// ErrStorageClosed is returned when operations are attempted on a
	// closed storage.
	ErrStorageClosed = errors.New("caravel: storage is closed")
)

// SagaRecord is the storage-level representation of a saga instance.
// The instance itself travels as an opaque serialized payload; the
// correlation id, saga type, and current state are lifted out so the
// storage can key and index them.
type SagaRecord struct {
	// CorrelationID uniquely identifies the instance within its saga type.
	CorrelationID uuid.UUID

	// SagaType is the saga type name (e.g. "ShoppingCart").
	SagaType string

	// State is the current state name for state-machine sagas,
	// empty for plain sagas.
	State string

	// Data is the serialized instance payload.
	Data []byte

	// Version is the optimistic concurrency token. Assigned by the
	// storage: 1 on insert, incremented on every update.
	Version int64

	// CreatedAt is when the record was inserted.
	CreatedAt time.Time

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time
}

// Query selects saga records by type and property equality over the
// serialized instance data. Filter keys are the instance's JSON field
// names; a record matches when every filter field is present and equal.
type Query struct {
	// SagaType restricts the query to one saga type.
	SagaType string

	// Filter is the property-equality filter. Must not be empty.
	Filter map[string]any
}

// SagaStorage is the interface saga storage backends must implement.
// Records are keyed by (SagaType, CorrelationID).
//
// Implementations must enforce the insert uniqueness and version checks
// that the repository's create protocol relies on: Insert fails with
// ErrSagaAlreadyExists when the key is taken, and Update/Delete fail
// with a ConcurrencyError when the stored version does not match.
type SagaStorage interface {
	// Load retrieves the record for a correlation id.
	// Returns an error matching ErrSagaNotFound when absent.
	Load(ctx context.Context, sagaType string, id uuid.UUID) (*SagaRecord, error)

	// Insert stores a new record. The stored version is 1.
	// Returns an error matching ErrSagaAlreadyExists when a record with
	// the same key already exists.
	Insert(ctx context.Context, record *SagaRecord) error

	// Update rewrites an existing record. record.Version must equal the
	// stored version; on success the stored version is incremented and
	// record.Version reflects the new value.
	Update(ctx context.Context, record *SagaRecord) error

	// Delete removes a record. version must equal the stored version.
	Delete(ctx context.Context, sagaType string, id uuid.UUID, version int64) error

	// Find returns the correlation ids of all records matching the query.
	Find(ctx context.Context, query Query) ([]uuid.UUID, error)
}

// Initializer is implemented by storages that require schema setup.
type Initializer interface {
	// Initialize sets up the required schema. Call once at startup.
	Initialize(ctx context.Context) error
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the storage can reach its backend.
	Ping(ctx context.Context) error
}

// ConcurrencyError provides details about a failed version check.
type ConcurrencyError struct {
	SagaType        string
	CorrelationID   uuid.UUID
	ExpectedVersion int64
	ActualVersion   int64
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("caravel: concurrency conflict on saga %s/%s: expected version %d, got %d",
		e.SagaType, e.CorrelationID, e.ExpectedVersion, e.ActualVersion)
}

// Is reports whether this error matches ErrConcurrencyConflict.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// NotFoundError provides details about a missing saga record.
type NotFoundError struct {
	SagaType      string
	CorrelationID uuid.UUID
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("caravel: saga %s/%s not found", e.SagaType, e.CorrelationID)
}

// Is reports whether this error matches ErrSagaNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrSagaNotFound
}

// Unwrap returns the underlying sentinel for errors.Unwrap().
func (e *NotFoundError) Unwrap() error {
	return ErrSagaNotFound
}

// MatchesFilter reports whether JSON-serialized instance data satisfies
// a property-equality filter. Values are compared by their canonical
// JSON encoding, so numeric types on either side compare by value.
//
// In-process backends use this to mirror the containment semantics a
// document store applies natively.
func MatchesFilter(data []byte, filter map[string]any) (bool, error) {
	if len(filter) == 0 {
		return false, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, fmt.Errorf("caravel: failed to decode saga data: %w", err)
	}

	for key, want := range filter {
		raw, ok := fields[key]
		if !ok {
			return false, nil
		}

		wantJSON, err := json.Marshal(want)
		if err != nil {
			return false, fmt.Errorf("caravel: failed to encode filter value %q: %w", key, err)
		}

		if !bytes.Equal(canonicalJSON(raw), canonicalJSON(wantJSON)) {
			return false, nil
		}
	}

	return true, nil
}

// canonicalJSON re-encodes a JSON value so that equivalent values
// compare byte-equal regardless of formatting or key order.
func canonicalJSON(raw []byte) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
