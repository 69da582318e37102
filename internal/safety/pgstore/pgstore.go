// Package pgstore provides a PostgreSQL/PostGIS implementation of safety.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/safeguard/internal/safety"
)

var tracer = otel.Tracer("github.com/linnemanlabs/safeguard/internal/safety/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents, escort sessions and responders in PostgreSQL.
// The one-active-per-actor rule is enforced by partial unique indexes.
type Store struct {
	pool *pgxpool.Pool
}

var _ safety.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// fail records err on span and returns it.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// classify maps retryable driver failures to *safety.TransientStoreError and
// wraps everything else with op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return &safety.TransientStoreError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P03": // admin shutdown, cannot connect now
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func encodeDispatch(rec *safety.DispatchRecord) ([]byte, error) {
	if rec == nil {
		return nil, nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch: %w", err)
	}
	return b, nil
}

func decodeDispatch(b []byte) (*safety.DispatchRecord, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var rec safety.DispatchRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal dispatch: %w", err)
	}
	return &rec, nil
}

// trail tables share a layout and differ only in the owner column.
type trailTable struct {
	name  string
	owner string
}

var (
	panicTrail  = trailTable{name: "panic_trail", owner: "panic_id"}
	escortTrail = trailTable{name: "escort_trail", owner: "session_id"}
)

func (tt trailTable) insert(ctx context.Context, tx pgx.Tx, ownerID string, seq int, pt safety.TrailPoint) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+tt.name+` (`+tt.owner+`, seq, lat, lon, accuracy, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ownerID, seq, pt.Position.Lat, pt.Position.Lon, pt.Accuracy, pt.At,
	)
	if err != nil {
		return classify(fmt.Sprintf("insert %s seq %d", tt.name, seq), err)
	}
	return nil
}

func (tt trailTable) load(ctx context.Context, q querier, ownerID string) ([]safety.TrailPoint, error) {
	rows, err := q.Query(ctx,
		`SELECT lat, lon, accuracy, recorded_at FROM `+tt.name+` WHERE `+tt.owner+` = $1 ORDER BY seq`,
		ownerID,
	)
	if err != nil {
		return nil, classify("query "+tt.name, err)
	}
	defer rows.Close()

	var out []safety.TrailPoint
	for rows.Next() {
		var pt safety.TrailPoint
		if err := rows.Scan(&pt.Position.Lat, &pt.Position.Lon, &pt.Accuracy, &pt.At); err != nil {
			return nil, fmt.Errorf("scan %s: %w", tt.name, err)
		}
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate "+tt.name, err)
	}
	return out, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
