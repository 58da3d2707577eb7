// Package postgres provides a PostgreSQL implementation of the saga storage.
//
// Instance data is stored as JSONB so that query-based correlation can be
// answered with containment operators, and the (saga_type, correlation_id)
// primary key gives the repository's pre-insert protocol its uniqueness
// guarantee: a losing concurrent insert fails cleanly instead of creating
// a duplicate instance.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/caravelmq/go-caravel/adapters"
)

// Ensure interface compliance at compile time
var (
	_ adapters.SagaStorage   = (*Storage)(nil)
	_ adapters.Initializer   = (*Storage)(nil)
	_ adapters.HealthChecker = (*Storage)(nil)
)

// Storage is a PostgreSQL implementation of adapters.SagaStorage.
type Storage struct {
	db     *sql.DB
	schema string
	table  string
}

// Option configures a Storage.
type Option func(*Storage)

// WithSchema sets the PostgreSQL schema for the saga table.
func WithSchema(schema string) Option {
	return func(s *Storage) {
		s.schema = schema
	}
}

// WithTable sets the table name for saga records.
func WithTable(table string) Option {
	return func(s *Storage) {
		s.table = table
	}
}

// NewStorage creates a new PostgreSQL Storage using an existing connection.
func NewStorage(db *sql.DB, opts ...Option) *Storage {
	s := &Storage{
		db:     db,
		schema: "public",
		table:  "caravel_sagas",
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Open connects to PostgreSQL using the pgx driver and returns a Storage.
func Open(connStr string, opts ...Option) (*Storage, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("caravel/postgres: failed to open database: %w", err)
	}
	return NewStorage(db, opts...), nil
}

// fullTableName returns the fully qualified and quoted table name.
func (s *Storage) fullTableName() string {
	return quoteIdentifier(s.schema) + "." + quoteIdentifier(s.table)
}

// Initialize creates the saga table if it doesn't exist.
func (s *Storage) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	tableQ := s.fullTableName()
	query := `
		CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			correlation_id UUID NOT NULL,
			saga_type VARCHAR(255) NOT NULL,
			state VARCHAR(255) NOT NULL DEFAULT '',
			data JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (saga_type, correlation_id)
		);

		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_state") + ` ON ` + tableQ + ` (saga_type, state);
		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_data") + ` ON ` + tableQ + ` USING GIN (data jsonb_path_ops);
	`

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("caravel/postgres: failed to create table: %w", err)
	}

	return nil
}

// Load retrieves the record for a correlation id.
func (s *Storage) Load(ctx context.Context, sagaType string, id uuid.UUID) (*adapters.SagaRecord, error) {
	if id == uuid.Nil {
		return nil, adapters.ErrNoCorrelationID
	}

	query := `
		SELECT state, data, version, created_at, updated_at
		FROM ` + s.fullTableName() + `
		WHERE saga_type = $1 AND correlation_id = $2
	`

	rec := &adapters.SagaRecord{
		CorrelationID: id,
		SagaType:      sagaType,
	}

	err := s.db.QueryRowContext(ctx, query, sagaType, id).Scan(
		&rec.State,
		&rec.Data,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &adapters.NotFoundError{SagaType: sagaType, CorrelationID: id}
		}
		return nil, fmt.Errorf("caravel/postgres: failed to load saga: %w", err)
	}

	return rec, nil
}

// Insert stores a new record with version 1. A concurrent insert for the
// same key loses on the primary key and reports ErrSagaAlreadyExists.
func (s *Storage) Insert(ctx context.Context, record *adapters.SagaRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	query := `
		INSERT INTO ` + s.fullTableName() + ` (correlation_id, saga_type, state, data, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW(), NOW())
		ON CONFLICT (saga_type, correlation_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		record.CorrelationID,
		record.SagaType,
		record.State,
		jsonData(record.Data),
	)
	if err != nil {
		return fmt.Errorf("caravel/postgres: failed to insert saga: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("caravel/postgres: failed to read insert result: %w", err)
	}
	if rows == 0 {
		return adapters.ErrSagaAlreadyExists
	}

	record.Version = 1
	return nil
}

// Update rewrites an existing record after a version check.
func (s *Storage) Update(ctx context.Context, record *adapters.SagaRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	query := `
		UPDATE ` + s.fullTableName() + `
		SET state = $1, data = $2, version = version + 1, updated_at = NOW()
		WHERE saga_type = $3 AND correlation_id = $4 AND version = $5
		RETURNING version
	`

	var newVersion int64
	err := s.db.QueryRowContext(ctx, query,
		record.State,
		jsonData(record.Data),
		record.SagaType,
		record.CorrelationID,
		record.Version,
	).Scan(&newVersion)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.versionConflict(ctx, record.SagaType, record.CorrelationID, record.Version)
		}
		return fmt.Errorf("caravel/postgres: failed to update saga: %w", err)
	}

	record.Version = newVersion
	return nil
}

// Delete removes a record after a version check.
func (s *Storage) Delete(ctx context.Context, sagaType string, id uuid.UUID, version int64) error {
	if id == uuid.Nil {
		return adapters.ErrNoCorrelationID
	}

	query := `
		DELETE FROM ` + s.fullTableName() + `
		WHERE saga_type = $1 AND correlation_id = $2 AND version = $3
	`

	result, err := s.db.ExecContext(ctx, query, sagaType, id, version)
	if err != nil {
		return fmt.Errorf("caravel/postgres: failed to delete saga: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("caravel/postgres: failed to read delete result: %w", err)
	}
	if rows == 0 {
		return s.versionConflict(ctx, sagaType, id, version)
	}

	return nil
}

// Find returns the correlation ids of all records whose data contains
// the filter, using JSONB containment.
func (s *Storage) Find(ctx context.Context, query adapters.Query) ([]uuid.UUID, error) {
	if len(query.Filter) == 0 {
		return nil, nil
	}

	filterJSON, err := json.Marshal(query.Filter)
	if err != nil {
		return nil, fmt.Errorf("caravel/postgres: failed to encode query filter: %w", err)
	}

	sqlQuery := `
		SELECT correlation_id
		FROM ` + s.fullTableName() + `
		WHERE saga_type = $1 AND data @> $2::jsonb
	`

	rows, err := s.db.QueryContext(ctx, sqlQuery, query.SagaType, filterJSON)
	if err != nil {
		return nil, fmt.Errorf("caravel/postgres: failed to query sagas: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("caravel/postgres: failed to scan correlation id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("caravel/postgres: failed to read query rows: %w", err)
	}

	return ids, nil
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// versionConflict distinguishes a missing record from a stale version
// after an update or delete matched zero rows.
func (s *Storage) versionConflict(ctx context.Context, sagaType string, id uuid.UUID, expected int64) error {
	query := `SELECT version FROM ` + s.fullTableName() + ` WHERE saga_type = $1 AND correlation_id = $2`

	var actual int64
	err := s.db.QueryRowContext(ctx, query, sagaType, id).Scan(&actual)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &adapters.NotFoundError{SagaType: sagaType, CorrelationID: id}
		}
		return fmt.Errorf("caravel/postgres: failed to check saga version: %w", err)
	}

	return &adapters.ConcurrencyError{
		SagaType:        sagaType,
		CorrelationID:   id,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

func validateRecord(record *adapters.SagaRecord) error {
	if record == nil {
		return adapters.ErrNilRecord
	}
	if record.CorrelationID == uuid.Nil {
		return adapters.ErrNoCorrelationID
	}
	return nil
}

// jsonData normalizes empty payloads so the JSONB column never sees
// invalid input.
func jsonData(data []byte) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateIdentifier rejects schema or table names that cannot be safely
// interpolated into DDL.
func validateIdentifier(name, kind string) error {
	if name == "" {
		return fmt.Errorf("caravel/postgres: %s name is required", kind)
	}
	if len(name) > 63 || !identifierPattern.MatchString(name) {
		return fmt.Errorf("caravel/postgres: invalid %s name %q", kind, name)
	}
	return nil
}

// quoteIdentifier returns a double-quoted PostgreSQL identifier.
func quoteIdentifier(name string) string {
	return `"` + name + `"`
}
