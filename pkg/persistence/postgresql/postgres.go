// Package postgresql provides PostgreSQL persistence for the automation engines. Entities are
// stored as JSONB documents next to the columns used for filtering, counters and
// compare-and-swap updates.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/nurture/pkg/persistence"
	"github.com/dukex/nurture/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Persistence implements persistence.Persistence for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence creates a new PostgreSQL persistence layer and migrates the schema.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, logger: logger}, nil
}

func (p *Persistence) TriggerRepository() persistence.TriggerRepository   { return p }
func (p *Persistence) EventRepository() persistence.EventRepository       { return p }
func (p *Persistence) FlowRepository() persistence.FlowRepository         { return p }
func (p *Persistence) InstanceRepository() persistence.InstanceRepository { return p }
func (p *Persistence) CampaignRepository() persistence.CampaignRepository { return p }
func (p *Persistence) RunRepository() persistence.RunRepository           { return p }

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}

	return data, nil
}

func decode[T any](data []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to decode %T: %w", out, err)
	}

	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// affected maps a zero-row update to a not-found entity error.
func affected(result sql.Result, op, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if rows == 0 {
		return persistence.NotFound(op, kind, id)
	}

	return nil
}

// casFailure tells a lost compare-and-swap from a missing row.
func (p *Persistence) casFailure(ctx context.Context, table, op, kind, id string) error {
	var exists bool

	err := p.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s %s: %w", kind, id, err)
	}

	if !exists {
		return persistence.NotFound(op, kind, id)
	}

	return persistence.NewEntityError(op, kind, id, persistence.ErrStatusConflict)
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}

	return out
}

type scanner interface {
	Scan(dest ...any) error
}

// scanDocument reads a row holding a single document column.
func scanDocument[T any](row scanner) (*T, error) {
	var document []byte
	if err := row.Scan(&document); err != nil {
		return nil, err
	}

	return decode[T](document)
}

func queryList[T any](ctx context.Context, db *sql.DB, scan func(scanner) (*T, error), query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []*T

	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		out = append(out, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return out, nil
}

// queryOne runs a single-row query, mapping sql.ErrNoRows to a not-found entity error.
func queryOne[T any](ctx context.Context, db *sql.DB, scan func(scanner) (*T, error), op, kind, id, query string, args ...any) (*T, error) {
	item, err := scan(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NotFound(op, kind, id)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}

	return item, nil
}
