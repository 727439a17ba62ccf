package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/repo"
)

// DB is satisfied by *sql.DB and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const uniqueViolation = "23505"

func errNotInitialized(store string) error {
	return fmt.Errorf("%s store not initialized", store)
}

// selectQuery builds a filtered SELECT with positional parameters.
type selectQuery struct {
	from    string
	columns string
	where   []string
	args    []any
}

func newSelect(columns, from string) *selectQuery {
	return &selectQuery{columns: columns, from: from}
}

func (q *selectQuery) param(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *selectQuery) eq(column string, v any) *selectQuery {
	q.where = append(q.where, column+" = "+q.param(v))
	return q
}

func (q *selectQuery) in(column string, values []string) *selectQuery {
	if len(values) == 0 {
		return q
	}
	params := make([]string, len(values))
	for i, v := range values {
		params[i] = q.param(v)
	}
	q.where = append(q.where, column+" IN ("+strings.Join(params, ",")+")")
	return q
}

// build renders the query; a positive limit adds a LIMIT clause.
func (q *selectQuery) build(orderBy string, limit int) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT " + q.columns + " FROM " + q.from)
	if len(q.where) > 0 {
		b.WriteString(" WHERE " + strings.Join(q.where, " AND "))
	}
	if orderBy != "" {
		b.WriteString(" ORDER BY " + orderBy)
	}
	if limit > 0 {
		b.WriteString(" LIMIT " + q.param(limit))
	}
	return b.String(), q.args
}

// collect scans every row with scan.
func collect[T any](rows *sql.Rows, what string, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	return out, nil
}

func stampUTC(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeMetadata(meta domain.Metadata) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func decodeMetadata(raw []byte) (domain.Metadata, error) {
	out := domain.Metadata{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeStrings(values map[string]string) ([]byte, error) {
	if values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(values)
}

func decodeStrings(raw []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

// insertError maps unique violations to repo.ErrConflict.
func insertError(what string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("insert %s: %w", what, repo.ErrConflict)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

// expectOne turns a statement touching no rows into repo.ErrNotFound.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	return sql.NullString{String: value, Valid: value != ""}
}
