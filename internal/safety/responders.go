package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/safeguard/internal/geo"
)

// RegisterResponder creates the responder record with role defaults, or
// updates the role of an existing one keeping its other settings.
func (e *Engine) RegisterResponder(ctx context.Context, id string, role Role) (*Responder, error) {
	if err := validateActor(id); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}

	r, err := e.responders.UpdateResponder(ctx, id, func(r *Responder) error {
		r.Role = role
		r.UpdatedAt = e.opts.Now()
		return nil
	})
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	r = &Responder{
		ID:        id,
		Role:      role,
		RadiusKm:  min(role.DefaultRadiusKm(), e.opts.MaxRadiusKm),
		Visible:   true,
		Status:    StatusAvailable,
		UpdatedAt: e.opts.Now(),
	}
	if err := e.responders.PutResponder(ctx, r); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "responder registered", "responder", id, "role", role, "radius_km", r.RadiusKm)
	return r, nil
}

// GetResponder returns the responder record.
func (e *Engine) GetResponder(ctx context.Context, id string) (*Responder, error) {
	return e.mustResponder(ctx, id)
}

// UpdateResponderPosition records the responder's position and moves it in
// the geo index. The record is written first; an index failure leaves the
// index stale until the next update or rebuild.
func (e *Engine) UpdateResponderPosition(ctx context.Context, id string, c geo.Coordinate) (*Responder, error) {
	if err := validateLocation(c); err != nil {
		return nil, err
	}
	r, err := e.updateResponder(ctx, id, func(r *Responder) error {
		pos := c
		r.Position = &pos
		r.PositionUpdatedAt = e.opts.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.index.Upsert(ctx, id, c); err != nil {
		e.logger.Warn(ctx, "geo index update failed", "responder", id, "error", err)
	}
	return r, nil
}

// SetResponderRadius sets the search radius, bounded by the operational maximum.
func (e *Engine) SetResponderRadius(ctx context.Context, id string, km float64) (*Responder, error) {
	if km <= 0 || km > e.opts.MaxRadiusKm {
		return nil, &ValidationError{Field: "radius_km", Reason: fmt.Sprintf("must be in (0, %g]", e.opts.MaxRadiusKm)}
	}
	return e.updateResponder(ctx, id, func(r *Responder) error {
		r.RadiusKm = km
		return nil
	})
}

// SetResponderVisibility hides or shows the responder to matching.
func (e *Engine) SetResponderVisibility(ctx context.Context, id string, visible bool) (*Responder, error) {
	return e.updateResponder(ctx, id, func(r *Responder) error {
		r.Visible = visible
		return nil
	})
}

// SetResponderStatus records availability. Offline responders are never matched.
func (e *Engine) SetResponderStatus(ctx context.Context, id string, status ResponderStatus) (*Responder, error) {
	if !status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return e.updateResponder(ctx, id, func(r *Responder) error {
		r.Status = status
		return nil
	})
}

// SetResponderAddress replaces the delivery addresses. Empty values clear them.
func (e *Engine) SetResponderAddress(ctx context.Context, id, pushToken, email string) (*Responder, error) {
	return e.updateResponder(ctx, id, func(r *Responder) error {
		r.PushToken = pushToken
		r.Email = email
		return nil
	})
}

// NearbyResponders lists other eligible responders within the caller's radius.
func (e *Engine) NearbyResponders(ctx context.Context, id string) ([]Match, error) {
	self, err := e.mustResponder(ctx, id)
	if err != nil {
		return nil, err
	}
	out := []Match{}
	if self.Position == nil {
		return out, nil
	}

	hits, err := e.index.QueryRadius(ctx, *self.Position, indexSearchRadius(self.RadiusKm))
	if err != nil {
		return nil, fmt.Errorf("geo query: %w", err)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.ID != id {
			ids = append(ids, h.ID)
		}
	}
	peers, err := e.responders.GetResponders(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		if !p.Eligible() {
			continue
		}
		d := geo.DistanceKm(*self.Position, *p.Position)
		if d <= self.RadiusKm {
			out = append(out, Match{Responder: p, DistanceKm: d})
		}
	}
	SortMatches(out)
	return out, nil
}

func (e *Engine) updateResponder(ctx context.Context, id string, fn func(*Responder) error) (*Responder, error) {
	if err := validateActor(id); err != nil {
		return nil, err
	}
	return e.responders.UpdateResponder(ctx, id, func(r *Responder) error {
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = e.opts.Now()
		return nil
	})
}

func (e *Engine) mustResponder(ctx context.Context, id string) (*Responder, error) {
	r, ok, err := e.responders.GetResponder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFoundError{Kind: KindResponder, Key: id}
	}
	return r, nil
}
