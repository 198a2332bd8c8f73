package repository

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TableLabeler reads entity display labels straight from domain tables.
type TableLabeler struct {
	db *pgxpool.Pool
}

// NewTableLabeler creates a TableLabeler.
func NewTableLabeler(db *pgxpool.Pool) *TableLabeler {
	return &TableLabeler{db: db}
}

// Column returns a label function reading column from table by id. spec is
// "table.column", optionally schema-qualified as "schema.table.column".
func (l *TableLabeler) Column(spec string) (func(ctx context.Context, entityID string) (string, error), error) {
	parts := strings.Split(spec, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("label source %q must be table.column", spec)
	}
	for _, p := range parts {
		if !identifier.MatchString(p) {
			return nil, fmt.Errorf("label source %q contains an invalid identifier %q", spec, p)
		}
	}
	column := pgx.Identifier{parts[len(parts)-1]}.Sanitize()
	table := pgx.Identifier(parts[:len(parts)-1]).Sanitize()
	query := fmt.Sprintf("SELECT %s::text FROM %s WHERE id::text = $1", column, table)

	return func(ctx context.Context, entityID string) (string, error) {
		var label *string
		if err := l.db.QueryRow(ctx, query, entityID).Scan(&label); err != nil {
			return "", errors.Wrapf(err, "failed to label %s", entityID)
		}
		if label == nil {
			return "", nil
		}
		return *label, nil
	}, nil
}
