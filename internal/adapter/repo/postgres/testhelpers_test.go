package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/faultline-labs/faultline/internal/domain"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

var errNoStub = errors.New("no stub configured")

// txStub scripts transaction behavior per statement. Unused pgx.Tx methods
// come from the embedded interface and panic if reached.
type txStub struct {
	pgx.Tx
	exec     func(sql string, args ...any) (pgconn.CommandTag, error)
	query    func(sql string, args ...any) (pgx.Rows, error)
	queryRow func(sql string, args ...any) pgx.Row

	committed  bool
	rolledBack bool
}

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.exec == nil {
		return pgconn.CommandTag{}, errNoStub
	}
	return t.exec(sql, args...)
}

func (t *txStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if t.query == nil {
		return nil, errNoStub
	}
	return t.query(sql, args...)
}

func (t *txStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if t.queryRow == nil {
		return rowStub{scan: func(...any) error { return errNoStub }}
	}
	return t.queryRow(sql, args...)
}

func (t *txStub) Commit(context.Context) error   { t.committed = true; return nil }
func (t *txStub) Rollback(context.Context) error { t.rolledBack = true; return nil }

// poolStub implements PgxPool.
type poolStub struct {
	tx       *txStub
	beginErr error
	exec     func(sql string, args ...any) (pgconn.CommandTag, error)
	query    func(sql string, args ...any) (pgx.Rows, error)
	queryRow func(sql string, args ...any) pgx.Row
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.exec == nil {
		return pgconn.CommandTag{}, errNoStub
	}
	return p.exec(sql, args...)
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.query == nil {
		return nil, errNoStub
	}
	return p.query(sql, args...)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.queryRow == nil {
		return rowStub{scan: func(...any) error { return errNoStub }}
	}
	return p.queryRow(sql, args...)
}

func (p *poolStub) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

// sliceRows implements pgx.Rows over scripted scan rows.
type sliceRows struct {
	rows [][]any
	i    int
	err  error
}

func (r *sliceRows) Next() bool { r.i++; return r.i <= len(r.rows) }

func (r *sliceRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	for i, d := range dest {
		switch dst := d.(type) {
		case *string:
			*dst = row[i].(string)
		case *[]byte:
			*dst = row[i].([]byte)
		case *int64:
			*dst = row[i].(int64)
		case *int:
			*dst = row[i].(int)
		case *time.Time:
			*dst = row[i].(time.Time)
		case *domain.OrderStatus:
			*dst = domain.OrderStatus(row[i].(string))
		case **string:
			if row[i] == nil {
				*dst = nil
			} else {
				s := row[i].(string)
				*dst = &s
			}
		default:
			return fmt.Errorf("unsupported scan dest %T", d)
		}
	}
	return nil
}

func (r *sliceRows) Close()                                       {}
func (r *sliceRows) Err() error                                   { return r.err }
func (r *sliceRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *sliceRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *sliceRows) Values() ([]any, error)                       { return nil, nil }
func (r *sliceRows) RawValues() [][]byte                          { return nil }
func (r *sliceRows) Conn() *pgx.Conn                              { return nil }
