package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBadIdentifier is returned when a table or column name fails
// validation. Identifiers are interpolated into generated SQL, so this
// check is the single defense against injection; values are always
// bound parameters.
var ErrBadIdentifier = errors.New("invalid table or column name")

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validIdent(names ...string) error {
	for _, name := range names {
		if !identPattern.MatchString(name) {
			return fmt.Errorf("%w: %q", ErrBadIdentifier, name)
		}
	}
	return nil
}

// buildUpsert generates a multi-row INSERT, optionally with an
// ON CONFLICT DO UPDATE clause refreshing every non-conflict column.
func buildUpsert(table string, columns []string, rowCount int, conflictColumns []string) (string, error) {
	if err := validIdent(table); err != nil {
		return "", err
	}
	if err := validIdent(columns...); err != nil {
		return "", err
	}
	if err := validIdent(conflictColumns...); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES ")
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for col := range columns {
			if col > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", row*len(columns)+col+1)
		}
		sb.WriteString(")")
	}

	if len(conflictColumns) > 0 {
		conflict := make(map[string]bool, len(conflictColumns))
		for _, col := range conflictColumns {
			conflict[col] = true
		}
		var updates []string
		for _, col := range columns {
			if !conflict[col] {
				updates = append(updates, col+" = EXCLUDED."+col)
			}
		}
		if len(updates) > 0 {
			sb.WriteString(" ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ") DO UPDATE SET ")
			sb.WriteString(strings.Join(updates, ", "))
		} else {
			sb.WriteString(" ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ") DO NOTHING")
		}
	}

	return sb.String(), nil
}

// BatchUpsert inserts rows in one statement. With conflictColumns it
// becomes an insert-or-update keyed on those columns. An empty row set
// is a no-op: no query is issued.
func (s *PostgresStore) BatchUpsert(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	query, err := buildUpsert(table, columns, len(rows), conflictColumns)
	if err != nil {
		return 0, err
	}

	args := make([]any, 0, len(rows)*len(columns))
	for _, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("batch upsert %s: row has %d values, want %d", table, len(row), len(columns))
		}
		args = append(args, row...)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("batch upsert %s: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("batch upsert %s rows: %w", table, err)
	}
	return affected, nil
}

// BatchDelete removes every row whose id column matches one of ids.
// An empty id set is a no-op.
func BatchDelete[ID int64 | string](ctx context.Context, s *PostgresStore, table, idColumn string, ids []ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := validIdent(table, idColumn); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", table, idColumn)
	result, err := s.db.ExecContext(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("batch delete %s: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("batch delete %s rows: %w", table, err)
	}
	return affected, nil
}
