// Package memory provides an in-memory implementation of the saga storage.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caravelmq/go-caravel/adapters"
)

// Ensure interface compliance at compile time
var _ adapters.SagaStorage = (*Storage)(nil)

// Storage is a map-backed implementation of adapters.SagaStorage.
// It is intended for testing and development. Records are deep-copied
// on the way in and out so callers cannot mutate stored state.
type Storage struct {
	mu      sync.RWMutex
	records map[recordKey]*adapters.SagaRecord
}

type recordKey struct {
	sagaType string
	id       uuid.UUID
}

// NewStorage creates a new in-memory Storage.
func NewStorage() *Storage {
	return &Storage{
		records: make(map[recordKey]*adapters.SagaRecord),
	}
}

// Load retrieves the record for a correlation id.
func (s *Storage) Load(ctx context.Context, sagaType string, id uuid.UUID) (*adapters.SagaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == uuid.Nil {
		return nil, adapters.ErrNoCorrelationID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey{sagaType, id}]
	if !ok {
		return nil, &adapters.NotFoundError{SagaType: sagaType, CorrelationID: id}
	}

	return copyRecord(rec), nil
}

// Insert stores a new record with version 1.
func (s *Storage) Insert(ctx context.Context, record *adapters.SagaRecord) error {
	if err := validateRecord(ctx, record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{record.SagaType, record.CorrelationID}
	if _, exists := s.records[key]; exists {
		return adapters.ErrSagaAlreadyExists
	}

	now := time.Now()
	stored := copyRecord(record)
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.records[key] = stored

	record.Version = 1
	return nil
}

// Update rewrites an existing record after a version check.
func (s *Storage) Update(ctx context.Context, record *adapters.SagaRecord) error {
	if err := validateRecord(ctx, record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{record.SagaType, record.CorrelationID}
	existing, ok := s.records[key]
	if !ok {
		return &adapters.NotFoundError{SagaType: record.SagaType, CorrelationID: record.CorrelationID}
	}

	if existing.Version != record.Version {
		return &adapters.ConcurrencyError{
			SagaType:        record.SagaType,
			CorrelationID:   record.CorrelationID,
			ExpectedVersion: record.Version,
			ActualVersion:   existing.Version,
		}
	}

	stored := copyRecord(record)
	stored.Version = existing.Version + 1
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	s.records[key] = stored

	record.Version = stored.Version
	return nil
}

// Delete removes a record after a version check.
func (s *Storage) Delete(ctx context.Context, sagaType string, id uuid.UUID, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == uuid.Nil {
		return adapters.ErrNoCorrelationID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{sagaType, id}
	existing, ok := s.records[key]
	if !ok {
		return &adapters.NotFoundError{SagaType: sagaType, CorrelationID: id}
	}

	if existing.Version != version {
		return &adapters.ConcurrencyError{
			SagaType:        sagaType,
			CorrelationID:   id,
			ExpectedVersion: version,
			ActualVersion:   existing.Version,
		}
	}

	delete(s.records, key)
	return nil
}

// Find returns the correlation ids of all records matching the query.
func (s *Storage) Find(ctx context.Context, query adapters.Query) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uuid.UUID
	for key, rec := range s.records {
		if key.sagaType != query.SagaType {
			continue
		}

		ok, err := adapters.MatchesFilter(rec.Data, query.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, key.id)
		}
	}

	return ids, nil
}

// Count returns the number of stored records for a saga type.
func (s *Storage) Count(sagaType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for key := range s.records {
		if key.sagaType == sagaType {
			n++
		}
	}
	return n
}

func validateRecord(ctx context.Context, record *adapters.SagaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil {
		return adapters.ErrNilRecord
	}
	if record.CorrelationID == uuid.Nil {
		return adapters.ErrNoCorrelationID
	}
	return nil
}

func copyRecord(rec *adapters.SagaRecord) *adapters.SagaRecord {
	out := *rec
	if rec.Data != nil {
		out.Data = make([]byte, len(rec.Data))
		copy(out.Data, rec.Data)
	}
	return &out
}
