// Package postgres reads incident rows and schema details from the
// reporting database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/couchcryptid/mrms-compare/internal/config"
	"github.com/couchcryptid/mrms-compare/internal/domain"
)

// Store reads incidents from one comparison table.
type Store struct {
	db     *sql.DB
	table  string
	limit  int
	logger *slog.Logger
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, table string, limit int, logger *slog.Logger) *Store {
	return &Store{db: db, table: table, limit: limit, logger: logger}
}

// Open connects to the incident database and verifies the connection.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewStore(db, cfg.IncidentTable, cfg.IncidentLimit, logger), nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListIncidents returns up to the configured limit of incidents whose
// data_value is positive, or exactly zero when zeroValue is set. Rows
// missing the identity or coordinate columns are skipped with a warning
// rather than failing the run.
func (s *Store) ListIncidents(ctx context.Context, zeroValue bool) ([]domain.Incident, error) {
	op := ">"
	if zeroValue {
		op = "="
	}
	// Identifiers cannot be bound as parameters, so the table name is
	// sanitized into the statement.
	query := fmt.Sprintf("SELECT * FROM %s WHERE data_value %s 0.0 LIMIT %d",
		pgx.Identifier{s.table}.Sanitize(), op, s.limit)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	raws, err := scanRows(rows)
	if err != nil {
		return nil, err
	}

	incidents := make([]domain.Incident, 0, len(raws))
	for _, row := range raws {
		inc, err := domain.IncidentFromRow(row)
		if err != nil {
			s.logger.Warn("skipping malformed incident row", "error", err)
			continue
		}
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

// Column is one entry of a table's schema listing.
type Column struct {
	Name     string
	DataType string
}

// InspectSchema lists the named table's columns in ordinal order.
func (s *Store) InspectSchema(ctx context.Context, table string) ([]Column, error) {
	const query = `SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`

	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("query schema: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// scanRows reads every row into a column-keyed map without knowing the
// table's shape up front.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := vals[i]
			// Drivers hand text columns back as []byte.
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
