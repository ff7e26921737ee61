package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"coopcycle/backend/internal/store"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func queryList[T any](ctx context.Context, tx *sql.Tx, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	items := make([]T, 0, 16)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, mapError(err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return items, nil
}

func queryOne[T any](ctx context.Context, tx *sql.Tx, scan func(rowScanner) (T, error), query string, args ...any) (*T, error) {
	item, err := scan(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return &item, nil
}

// execOne runs a statement that must touch a row.
func execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func insertID(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, mapError(err)
	}
	return id, nil
}

// conditions collects WHERE clauses with numbered placeholders.
type conditions struct {
	parts []string
	args  []any
}

func (c *conditions) arg(val any) string {
	c.args = append(c.args, val)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *conditions) add(part string) {
	c.parts = append(c.parts, part)
}

func (c *conditions) eq(column string, val any) {
	c.add(column + " = " + c.arg(val))
}

func (c *conditions) anyOf(column string, ids []int64) {
	if len(ids) > 0 {
		c.add(column + " = ANY(" + c.arg(ids) + ")")
	}
}

func (c *conditions) where() string {
	if len(c.parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.parts, " AND ")
}

// tail orders by primary key, then applies the limit and the row lock.
func tail(descending bool, limit int, forUpdate bool) string {
	var b strings.Builder
	b.WriteString(" ORDER BY id")
	if descending {
		b.WriteString(" DESC")
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if forUpdate {
		b.WriteString(" FOR UPDATE")
	}
	return b.String()
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}
