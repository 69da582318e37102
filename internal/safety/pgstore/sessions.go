package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/safeguard/internal/safety"
)

const escortColumns = `id, rider_id, state, last_lat, last_lon, last_accuracy, last_at,
	trail_len, started_at, ended_at, retention_deadline, purged_at, dispatch`

// CreateEscort inserts the session and its initial trail. A second active
// session for the rider fails with *safety.ConflictError.
func (s *Store) CreateEscort(ctx context.Context, e *safety.EscortSession) error {
	ctx, span := startSpan(ctx, "pgstore.CreateEscort", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, classify("begin tx", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO escort_sessions (
			id, rider_id, state, last_lat, last_lon, last_accuracy, last_at, trail_len, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.RiderID, string(e.State),
		e.LastPoint.Position.Lat, e.LastPoint.Position.Lon, e.LastPoint.Accuracy, e.LastPoint.At,
		len(e.Trail), e.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "escort_sessions_one_active") {
			_ = tx.Rollback(ctx)
			ce := &safety.ConflictError{Kind: safety.KindEscort, ActorID: e.RiderID}
			_ = s.pool.QueryRow(ctx,
				`SELECT id FROM escort_sessions WHERE rider_id = $1 AND state = 'active'`, e.RiderID,
			).Scan(&ce.ExistingID)
			return fail(span, ce)
		}
		return fail(span, classify("insert escort", err))
	}

	for i, pt := range e.Trail {
		if err := escortTrail.insert(ctx, tx, e.ID, i, pt); err != nil {
			return fail(span, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, classify("commit", err))
	}
	return nil
}

// GetEscort retrieves a session with its trail.
func (s *Store) GetEscort(ctx context.Context, id string) (*safety.EscortSession, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetEscort", "SELECT")
	defer span.End()

	e, err := scanEscort(s.pool.QueryRow(ctx, `SELECT `+escortColumns+` FROM escort_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if e == nil {
		return nil, false, nil
	}
	if e.Trail, err = escortTrail.load(ctx, s.pool, e.ID); err != nil {
		return nil, false, fail(span, err)
	}
	return e, true, nil
}

func (s *Store) LatestEscort(ctx context.Context, riderID string) (*safety.EscortSession, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestEscort", "SELECT")
	defer span.End()

	e, err := s.latestEscort(ctx, s.pool, riderID)
	if err != nil {
		return nil, false, fail(span, err)
	}
	if e == nil {
		return nil, false, nil
	}
	if e.Trail, err = escortTrail.load(ctx, s.pool, e.ID); err != nil {
		return nil, false, fail(span, err)
	}
	return e, true, nil
}

func (s *Store) latestEscort(ctx context.Context, q querier, riderID string) (*safety.EscortSession, error) {
	return scanEscort(q.QueryRow(ctx,
		`SELECT `+escortColumns+` FROM escort_sessions WHERE rider_id = $1
		 ORDER BY (state = 'active') DESC, started_at DESC LIMIT 1`,
		riderID,
	))
}

func (s *Store) AppendEscortPoint(ctx context.Context, riderID string, pt safety.TrailPoint) (*safety.EscortSession, error) {
	ctx, span := startSpan(ctx, "pgstore.AppendEscortPoint", "INSERT")
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
		`SELECT id, last_at, trail_len FROM escort_sessions
		 WHERE rider_id = $1 AND state = 'active' FOR UPDATE`,
		riderID,
	).Scan(&id, &lastAt, &trailLen)
	if errors.Is(err, pgx.ErrNoRows) {
		last, err := s.latestEscort(ctx, tx, riderID)
		if err != nil {
			return nil, fail(span, err)
		}
		if last == nil {
			return nil, fail(span, &safety.NotFoundError{Kind: safety.KindEscort, Key: riderID})
		}
		return nil, fail(span, &safety.InvalidStateError{Kind: safety.KindEscort, ID: last.ID, State: string(last.State)})
	}
	if err != nil {
		return nil, fail(span, classify("lock escort", err))
	}

	pt = safety.NextTrailPoint(lastAt, pt)
	if err := escortTrail.insert(ctx, tx, id, trailLen, pt); err != nil {
		return nil, fail(span, err)
	}

	e, err := scanEscort(tx.QueryRow(ctx,
		`UPDATE escort_sessions SET
			last_lat = $2, last_lon = $3, last_accuracy = $4, last_at = $5, trail_len = trail_len + 1
		 WHERE id = $1
		 RETURNING `+escortColumns,
		id, pt.Position.Lat, pt.Position.Lon, pt.Accuracy, pt.At,
	))
	if err != nil {
		return nil, fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, classify("commit", err))
	}
	return e, nil
}

// EndEscort stamps EndedAt and the retention deadline once. Later calls
// return the terminal snapshot.
func (s *Store) EndEscort(ctx context.Context, riderID string, at time.Time, retention time.Duration) (*safety.EscortSession, error) {
	ctx, span := startSpan(ctx, "pgstore.EndEscort", "UPDATE")
	defer span.End()

	e, err := scanEscort(s.pool.QueryRow(ctx,
		`UPDATE escort_sessions SET
			state = 'ended',
			ended_at = GREATEST($2, last_at),
			retention_deadline = GREATEST($2, last_at) + make_interval(secs => $3)
		 WHERE rider_id = $1 AND state = 'active'
		 RETURNING `+escortColumns,
		riderID, at, retention.Seconds(),
	))
	if err != nil {
		return nil, fail(span, err)
	}
	if e != nil {
		return e, nil
	}

	e, err = s.latestEscort(ctx, s.pool, riderID)
	if err != nil {
		return nil, fail(span, err)
	}
	if e == nil {
		return nil, &safety.NotFoundError{Kind: safety.KindEscort, Key: riderID}
	}
	return e, nil
}

func (s *Store) ExpiredEscorts(ctx context.Context, now time.Time, limit int) ([]*safety.EscortSession, error) {
	ctx, span := startSpan(ctx, "pgstore.ExpiredEscorts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+escortColumns+` FROM escort_sessions
		 WHERE state = 'ended' AND purged_at IS NULL AND retention_deadline <= $1
		 ORDER BY retention_deadline LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fail(span, classify("query expired escorts", err))
	}
	defer rows.Close()

	out := []*safety.EscortSession{}
	for rows.Next() {
		e, err := scanEscort(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, classify("iterate expired escorts", err))
	}
	return out, nil
}

func (s *Store) MarkEscortPurged(ctx context.Context, id string, at time.Time) error {
	ctx, span := startSpan(ctx, "pgstore.MarkEscortPurged", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE escort_sessions SET purged_at = COALESCE(purged_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fail(span, classify("mark escort purged", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, &safety.NotFoundError{Kind: safety.KindEscort, Key: id})
	}
	return nil
}

func (s *Store) RecordEscortDispatch(ctx context.Context, id string, rec *safety.DispatchRecord) error {
	ctx, span := startSpan(ctx, "pgstore.RecordEscortDispatch", "UPDATE")
	defer span.End()

	b, err := encodeDispatch(rec)
	if err != nil {
		return fail(span, err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE escort_sessions SET dispatch = $2 WHERE id = $1`, id, b)
	if err != nil {
		return fail(span, classify("record escort dispatch", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, &safety.NotFoundError{Kind: safety.KindEscort, Key: id})
	}
	return nil
}

// scanEscort scans one row without the trail. Returns (nil, nil) when no row is found.
func scanEscort(row pgx.Row) (*safety.EscortSession, error) {
	var (
		e        safety.EscortSession
		state    string
		dispatch []byte
	)
	err := row.Scan(
		&e.ID, &e.RiderID, &state,
		&e.LastPoint.Position.Lat, &e.LastPoint.Position.Lon, &e.LastPoint.Accuracy, &e.LastPoint.At,
		&e.TrailLen, &e.StartedAt, &e.EndedAt, &e.RetentionDeadline, &e.PurgedAt, &dispatch,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("scan escort", err)
	}
	e.State = safety.EscortState(state)
	if e.Dispatch, err = decodeDispatch(dispatch); err != nil {
		return nil, fmt.Errorf("escort %s: %w", e.ID, err)
	}
	return &e, nil
}
