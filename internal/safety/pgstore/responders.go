package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/safety"
)

const responderColumns = `id, role, lat, lon, position_updated_at, radius_km, visible, status,
	push_token, email, updated_at`

const upsertResponder = `INSERT INTO responders (
		id, role, lat, lon, position_updated_at, radius_km, visible, status, push_token, email, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		role                = EXCLUDED.role,
		lat                 = EXCLUDED.lat,
		lon                 = EXCLUDED.lon,
		position_updated_at = EXCLUDED.position_updated_at,
		radius_km           = EXCLUDED.radius_km,
		visible             = EXCLUDED.visible,
		status              = EXCLUDED.status,
		push_token          = EXCLUDED.push_token,
		email               = EXCLUDED.email,
		updated_at          = EXCLUDED.updated_at`

// PutResponder inserts or replaces the record.
func (s *Store) PutResponder(ctx context.Context, r *safety.Responder) error {
	ctx, span := startSpan(ctx, "pgstore.PutResponder", "UPSERT")
	defer span.End()

	if _, err := s.pool.Exec(ctx, upsertResponder, responderArgs(r)...); err != nil {
		return fail(span, classify("upsert responder", err))
	}
	return nil
}

func (s *Store) GetResponder(ctx context.Context, id string) (*safety.Responder, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetResponder", "SELECT")
	defer span.End()

	r, err := scanResponder(s.pool.QueryRow(ctx, `SELECT `+responderColumns+` FROM responders WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// UpdateResponder locks the row, applies fn and writes the result back.
func (s *Store) UpdateResponder(ctx context.Context, id string, fn func(*safety.Responder) error) (*safety.Responder, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateResponder", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, classify("begin tx", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	r, err := scanResponder(tx.QueryRow(ctx,
		`SELECT `+responderColumns+` FROM responders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fail(span, err)
	}
	if r == nil {
		return nil, &safety.NotFoundError{Kind: safety.KindResponder, Key: id}
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, upsertResponder, responderArgs(r)...); err != nil {
		return nil, fail(span, classify("update responder", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, classify("commit", err))
	}
	return r, nil
}

func (s *Store) GetResponders(ctx context.Context, ids []string) ([]*safety.Responder, error) {
	if len(ids) == 0 {
		return []*safety.Responder{}, nil
	}
	ctx, span := startSpan(ctx, "pgstore.GetResponders", "SELECT")
	defer span.End()

	out, err := s.queryResponders(ctx, `SELECT `+responderColumns+` FROM responders WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func (s *Store) RecentEligibleResponders(ctx context.Context, limit int) ([]*safety.Responder, error) {
	ctx, span := startSpan(ctx, "pgstore.RecentEligibleResponders", "SELECT")
	defer span.End()

	out, err := s.queryResponders(ctx,
		`SELECT `+responderColumns+` FROM responders
		 WHERE visible AND status <> 'offline' AND lat IS NOT NULL
		 ORDER BY updated_at DESC, id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func (s *Store) ListResponders(ctx context.Context) ([]*safety.Responder, error) {
	ctx, span := startSpan(ctx, "pgstore.ListResponders", "SELECT")
	defer span.End()

	out, err := s.queryResponders(ctx, `SELECT `+responderColumns+` FROM responders ORDER BY id`)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func (s *Store) queryResponders(ctx context.Context, sql string, args ...any) ([]*safety.Responder, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("query responders", err)
	}
	defer rows.Close()

	out := []*safety.Responder{}
	for rows.Next() {
		r, err := scanResponder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate responders", err)
	}
	return out, nil
}

func responderArgs(r *safety.Responder) []any {
	var lat, lon *float64
	var posAt *time.Time
	if r.Position != nil {
		lat, lon = &r.Position.Lat, &r.Position.Lon
		if !r.PositionUpdatedAt.IsZero() {
			posAt = &r.PositionUpdatedAt
		}
	}
	return []any{
		r.ID, string(r.Role), lat, lon, posAt, r.RadiusKm, r.Visible, string(r.Status),
		r.PushToken, r.Email, r.UpdatedAt,
	}
}

// scanResponder returns (nil, nil) when no row is found.
func scanResponder(row pgx.Row) (*safety.Responder, error) {
	var (
		r        safety.Responder
		role     string
		status   string
		lat, lon *float64
		posAt    *time.Time
	)
	err := row.Scan(&r.ID, &role, &lat, &lon, &posAt, &r.RadiusKm, &r.Visible, &status,
		&r.PushToken, &r.Email, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("scan responder", err)
	}
	r.Role = safety.Role(role)
	r.Status = safety.ResponderStatus(status)
	if lat != nil && lon != nil {
		r.Position = &geo.Coordinate{Lat: *lat, Lon: *lon}
	}
	if posAt != nil {
		r.PositionUpdatedAt = *posAt
	}
	return &r, nil
}
