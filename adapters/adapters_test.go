package adapters

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesFilter(t *testing.T) {
	data := []byte(`{"id":"abc","orderId":"order-1","total":99.5,"items":3,"active":true}`)

	tests := []struct {
		name   string
		filter map[string]any
		want   bool
	}{
		{name: "single string match", filter: map[string]any{"orderId": "order-1"}, want: true},
		{name: "single string mismatch", filter: map[string]any{"orderId": "order-2"}, want: false},
		{name: "all fields must match", filter: map[string]any{"orderId": "order-1", "total": 99.5}, want: true},
		{name: "one mismatching field fails", filter: map[string]any{"orderId": "order-1", "total": 1.0}, want: false},
		{name: "absent field fails", filter: map[string]any{"missing": "x"}, want: false},
		{name: "int filter matches json number", filter: map[string]any{"items": 3}, want: true},
		{name: "float filter matches int field", filter: map[string]any{"items": 3.0}, want: true},
		{name: "bool match", filter: map[string]any{"active": true}, want: true},
		{name: "empty filter matches nothing", filter: map[string]any{}, want: false},
		{name: "nil filter matches nothing", filter: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchesFilter(data, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("malformed data errors", func(t *testing.T) {
		_, err := MatchesFilter([]byte("{not json"), map[string]any{"k": "v"})
		assert.Error(t, err)
	})
}

func TestConcurrencyError(t *testing.T) {
	err := &ConcurrencyError{
		SagaType:        "orderState",
		CorrelationID:   uuid.New(),
		ExpectedVersion: 2,
		ActualVersion:   3,
	}

	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.NotErrorIs(t, err, ErrSagaNotFound)
	assert.Contains(t, err.Error(), "expected version 2, got 3")
}

func TestNotFoundError(t *testing.T) {
	id := uuid.New()
	err := &NotFoundError{SagaType: "orderState", CorrelationID: id}

	assert.ErrorIs(t, err, ErrSagaNotFound)
	assert.Equal(t, ErrSagaNotFound, errors.Unwrap(err))
	assert.Contains(t, err.Error(), id.String())

	wrapped := &NotFoundError{SagaType: "orderState", CorrelationID: id}
	var target *NotFoundError
	assert.ErrorAs(t, error(wrapped), &target)
}
