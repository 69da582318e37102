package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/safety"
)

const panicColumns = `id, reporter_id, category, state, last_lat, last_lon, last_accuracy, last_at,
	trail_len, activated_at, deactivated_at, dispatch`

// CreatePanic inserts the event and its initial trail. A second active event
// for the reporter fails with *safety.ConflictError.
func (s *Store) CreatePanic(ctx context.Context, p *safety.PanicEvent) error {
	ctx, span := startSpan(ctx, "pgstore.CreatePanic", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, classify("begin tx", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO panic_events (
			id, reporter_id, category, state, last_lat, last_lon, last_accuracy, last_at, last_geog,
			trail_len, activated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, ST_SetSRID(ST_MakePoint($6, $5), 4326)::geography, $9, $10)`,
		p.ID, p.ReporterID, string(p.Category), string(p.State),
		p.LastPoint.Position.Lat, p.LastPoint.Position.Lon, p.LastPoint.Accuracy, p.LastPoint.At,
		len(p.Trail), p.ActivatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "panic_events_one_active") {
			_ = tx.Rollback(ctx)
			return fail(span, s.panicConflict(ctx, p.ReporterID))
		}
		return fail(span, classify("insert panic", err))
	}

	for i, pt := range p.Trail {
		if err := panicTrail.insert(ctx, tx, p.ID, i, pt); err != nil {
			return fail(span, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, classify("commit", err))
	}
	return nil
}

func (s *Store) panicConflict(ctx context.Context, reporterID string) error {
	ce := &safety.ConflictError{Kind: safety.KindPanic, ActorID: reporterID}
	// best effort, the event may have been deactivated since
	_ = s.pool.QueryRow(ctx,
		`SELECT id FROM panic_events WHERE reporter_id = $1 AND state = 'active'`, reporterID,
	).Scan(&ce.ExistingID)
	return ce
}

// GetPanic retrieves an event with its trail.
func (s *Store) GetPanic(ctx context.Context, id string) (*safety.PanicEvent, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetPanic", "SELECT")
	defer span.End()

	p, err := scanPanic(s.pool.QueryRow(ctx, `SELECT `+panicColumns+` FROM panic_events WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if p == nil {
		return nil, false, nil
	}
	if p.Trail, err = panicTrail.load(ctx, s.pool, p.ID); err != nil {
		return nil, false, fail(span, err)
	}
	return p, true, nil
}

// LatestPanic prefers the reporter's active event over the most recent terminal one.
func (s *Store) LatestPanic(ctx context.Context, reporterID string) (*safety.PanicEvent, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestPanic", "SELECT")
	defer span.End()

	p, err := s.latestPanic(ctx, s.pool, reporterID)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if p == nil {
		return nil, false, nil
	}
	if p.Trail, err = panicTrail.load(ctx, s.pool, p.ID); err != nil {
		return nil, false, fail(span, err)
	}
	return p, true, nil
}

func (s *Store) latestPanic(ctx context.Context, q querier, reporterID string) (*safety.PanicEvent, error) {
	return scanPanic(q.QueryRow(ctx,
		`SELECT `+panicColumns+` FROM panic_events WHERE reporter_id = $1
		 ORDER BY (state = 'active') DESC, activated_at DESC LIMIT 1`,
		reporterID,
	))
}

// AppendPanicPoint locks the reporter's active event, appends the clamped
// point and moves the last-point columns.
func (s *Store) AppendPanicPoint(ctx context.Context, reporterID string, pt safety.TrailPoint) (*safety.PanicEvent, error) {
	ctx, span := startSpan(ctx, "pgstore.AppendPanicPoint", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, classify("begin tx", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var (
		id       string
		lastAt   time.Time
		trailLen int
	)
	err = tx.QueryRow(ctx,
		`SELECT id, last_at, trail_len FROM panic_events
		 WHERE reporter_id = $1 AND state = 'active' FOR UPDATE`,
		reporterID,
	).Scan(&id, &lastAt, &trailLen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fail(span, s.panicMissing(ctx, tx, reporterID))
	}
	if err != nil {
		return nil, fail(span, classify("lock panic", err))
	}

	pt = safety.NextTrailPoint(lastAt, pt)
	if err := panicTrail.insert(ctx, tx, id, trailLen, pt); err != nil {
		return nil, fail(span, err)
	}

	p, err := scanPanic(tx.QueryRow(ctx,
		`UPDATE panic_events SET
			last_lat = $2, last_lon = $3, last_accuracy = $4, last_at = $5,
			last_geog = ST_SetSRID(ST_MakePoint($3, $2), 4326)::geography,
			trail_len = trail_len + 1
		 WHERE id = $1
		 RETURNING `+panicColumns,
		id, pt.Position.Lat, pt.Position.Lon, pt.Accuracy, pt.At,
	))
	if err != nil {
		return nil, fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, classify("commit", err))
	}
	return p, nil
}

func (s *Store) panicMissing(ctx context.Context, q querier, reporterID string) error {
	last, err := s.latestPanic(ctx, q, reporterID)
	if err != nil {
		return err
	}
	if last == nil {
		return &safety.NotFoundError{Kind: safety.KindPanic, Key: reporterID}
	}
	return &safety.InvalidStateError{Kind: safety.KindPanic, ID: last.ID, State: string(last.State)}
}

// DeactivatePanic is a single conditional update. When nothing is active the
// latest terminal event is returned unchanged.
func (s *Store) DeactivatePanic(ctx context.Context, reporterID string, at time.Time) (*safety.PanicEvent, error) {
	ctx, span := startSpan(ctx, "pgstore.DeactivatePanic", "UPDATE")
	defer span.End()

	p, err := scanPanic(s.pool.QueryRow(ctx,
		`UPDATE panic_events SET state = 'deactivated', deactivated_at = GREATEST($2, last_at)
		 WHERE reporter_id = $1 AND state = 'active'
		 RETURNING `+panicColumns,
		reporterID, at,
	))
	if err != nil {
		return nil, fail(span, err)
	}
	if p != nil {
		return p, nil
	}

	p, err = s.latestPanic(ctx, s.pool, reporterID)
	if err != nil {
		return nil, fail(span, err)
	}
	if p == nil {
		return nil, &safety.NotFoundError{Kind: safety.KindPanic, Key: reporterID}
	}
	return p, nil
}

// ActivePanicsWithin uses the geography index on the last point. Distances
// are measured on the sphere, like geo.DistanceKm, so a radius means the same
// thing here as in the matcher.
func (s *Store) ActivePanicsWithin(ctx context.Context, center geo.Coordinate, radiusKm float64) ([]*safety.PanicEvent, error) {
	ctx, span := startSpan(ctx, "pgstore.ActivePanicsWithin", "SELECT")
	defer span.End()

	out, err := s.queryPanics(ctx,
		`SELECT `+panicColumns+` FROM panic_events
		 WHERE state = 'active'
		   AND ST_DWithin(last_geog, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3, false)`,
		center.Lon, center.Lat, radiusKm*1000,
	)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func (s *Store) RecentActivePanics(ctx context.Context, limit int) ([]*safety.PanicEvent, error) {
	ctx, span := startSpan(ctx, "pgstore.RecentActivePanics", "SELECT")
	defer span.End()

	out, err := s.queryPanics(ctx,
		`SELECT `+panicColumns+` FROM panic_events
		 WHERE state = 'active' ORDER BY activated_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func (s *Store) RecordPanicDispatch(ctx context.Context, id string, rec *safety.DispatchRecord) error {
	ctx, span := startSpan(ctx, "pgstore.RecordPanicDispatch", "UPDATE")
	defer span.End()

	b, err := encodeDispatch(rec)
	if err != nil {
		return fail(span, err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE panic_events SET dispatch = $2 WHERE id = $1`, id, b)
	if err != nil {
		return fail(span, classify("record panic dispatch", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, &safety.NotFoundError{Kind: safety.KindPanic, Key: id})
	}
	return nil
}

func (s *Store) queryPanics(ctx context.Context, sql string, args ...any) ([]*safety.PanicEvent, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("query panics", err)
	}
	defer rows.Close()

	out := []*safety.PanicEvent{}
	for rows.Next() {
		p, err := scanPanic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate panics", err)
	}
	return out, nil
}

// scanPanic scans one row without the trail. Returns (nil, nil) when no row is found.
func scanPanic(row pgx.Row) (*safety.PanicEvent, error) {
	var (
		p        safety.PanicEvent
		category string
		state    string
		dispatch []byte
	)
	err := row.Scan(
		&p.ID, &p.ReporterID, &category, &state,
		&p.LastPoint.Position.Lat, &p.LastPoint.Position.Lon, &p.LastPoint.Accuracy, &p.LastPoint.At,
		&p.TrailLen, &p.ActivatedAt, &p.DeactivatedAt, &dispatch,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("scan panic", err)
	}
	p.Category = safety.Category(category)
	p.State = safety.PanicState(state)
	if p.Dispatch, err = decodeDispatch(dispatch); err != nil {
		return nil, fmt.Errorf("panic %s: %w", p.ID, err)
	}
	return &p, nil
}
