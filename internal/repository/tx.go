package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/OpenUpSA/dexi/internal/common"
)

const maxTxRetries = 3

type txKey struct{}

// RunTx executes fn inside a transaction. Repository calls made with the
// ctx passed to fn join the transaction. SQLite BUSY errors are retried.
// Nested calls reuse the outer transaction.
func (c *Client) RunTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(dialect.Tx); ok {
		return fn(ctx)
	}
	for i := range maxTxRetries {
		err := c.runTxOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsBusy(err) || i == maxTxRetries-1 {
			return err
		}
		c.log.Warn("transaction busy, retrying", "attempt", i+1, "error", err)
		if err := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); err != nil {
			return err
		}
	}
	return fmt.Errorf("run tx: max retries exceeded")
}

func (c *Client) runTxOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := c.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			c.log.Warn("rollback failed", "error", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// conn returns the transaction bound to ctx, or the driver.
func (c *Client) conn(ctx context.Context) dialect.ExecQuerier {
	if tx, ok := ctx.Value(txKey{}).(dialect.Tx); ok {
		return tx
	}
	return c.drv
}

func (c *Client) sql() *entsql.DialectBuilder {
	return entsql.Dialect(c.dialect)
}

// Exec runs a built statement on the current connection.
func (c *Client) Exec(ctx context.Context, q entsql.Querier) (sql.Result, error) {
	query, args := q.Query()
	var res sql.Result
	if err := c.conn(ctx).Exec(ctx, query, args, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// ExecRaw runs a literal statement, used for DDL.
func (c *Client) ExecRaw(ctx context.Context, query string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	return c.conn(ctx).Exec(ctx, query, args, nil)
}

// Query runs a built query and calls scan for every row.
func (c *Client) Query(ctx context.Context, q entsql.Querier, scan func(rows *entsql.Rows) error) error {
	query, args := q.Query()
	var rows entsql.Rows
	if err := c.conn(ctx).Query(ctx, query, args, &rows); err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(&rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Builder exposes the dialect builder to packages that keep their own tables.
func (c *Client) Builder() *entsql.DialectBuilder { return c.sql() }

// Time converts a timestamp into the bind value the backend stores. SQLite
// keeps fixed-width UTC text so string comparison matches time order.
func (c *Client) Time(t time.Time) any {
	t = t.UTC()
	if c.dialect == dialect.SQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// NullTime scans timestamps stored either natively or as text.
type NullTime struct {
	Time  time.Time
	Valid bool
}

func (n *NullTime) Scan(v any) error {
	n.Valid = false
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		n.Time, n.Valid = t.UTC(), true
		return nil
	case int64:
		n.Time, n.Valid = time.Unix(0, t).UTC(), true
		return nil
	case []byte:
		return n.parse(string(t))
	case string:
		return n.parse(t)
	}
	return fmt.Errorf("unsupported time value %T", v)
}

func (n *NullTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}

// Ptr returns nil for NULL.
func (n NullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// IsBusy reports whether err indicates an SQLite BUSY condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// IsUniqueViolation reports whether err is a unique constraint failure on
// either backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE")
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, common.ErrDatabase, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
