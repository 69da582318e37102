package safety

import (
	"context"
	"time"

	"github.com/linnemanlabs/safeguard/internal/geo"
)

// IncidentStore persists panic events. CreatePanic is a conditional write
// that fails with *ConflictError when the reporter already has an active event.
type IncidentStore interface {
	CreatePanic(ctx context.Context, p *PanicEvent) error
	GetPanic(ctx context.Context, id string) (*PanicEvent, bool, error)
	// LatestPanic returns the reporter's active event, or the most recent
	// terminal one when none is active.
	LatestPanic(ctx context.Context, reporterID string) (*PanicEvent, bool, error)
	// AppendPanicPoint appends to the reporter's active event. It returns
	// *InvalidStateError when only terminal events exist and *NotFoundError
	// when the reporter has none.
	AppendPanicPoint(ctx context.Context, reporterID string, pt TrailPoint) (*PanicEvent, error)
	// DeactivatePanic is idempotent and returns the terminal snapshot.
	DeactivatePanic(ctx context.Context, reporterID string, at time.Time) (*PanicEvent, error)
	// ActivePanicsWithin returns active events whose last point is within radiusKm.
	ActivePanicsWithin(ctx context.Context, center geo.Coordinate, radiusKm float64) ([]*PanicEvent, error)
	// RecentActivePanics returns up to limit active events, newest first.
	RecentActivePanics(ctx context.Context, limit int) ([]*PanicEvent, error)
	RecordPanicDispatch(ctx context.Context, id string, rec *DispatchRecord) error
}

// SessionStore persists escort sessions with the same transition rules as
// IncidentStore.
type SessionStore interface {
	CreateEscort(ctx context.Context, s *EscortSession) error
	GetEscort(ctx context.Context, id string) (*EscortSession, bool, error)
	LatestEscort(ctx context.Context, riderID string) (*EscortSession, bool, error)
	AppendEscortPoint(ctx context.Context, riderID string, pt TrailPoint) (*EscortSession, error)
	// EndEscort is idempotent. The first call stamps EndedAt and the
	// retention deadline.
	EndEscort(ctx context.Context, riderID string, at time.Time, retention time.Duration) (*EscortSession, error)
	// ExpiredEscorts returns ended, unpurged sessions whose deadline is at or before now.
	ExpiredEscorts(ctx context.Context, now time.Time, limit int) ([]*EscortSession, error)
	MarkEscortPurged(ctx context.Context, id string, at time.Time) error
	RecordEscortDispatch(ctx context.Context, id string, rec *DispatchRecord) error
}

// ResponderStore persists responder records.
type ResponderStore interface {
	PutResponder(ctx context.Context, r *Responder) error
	GetResponder(ctx context.Context, id string) (*Responder, bool, error)
	// UpdateResponder applies fn to the stored record atomically. Returning
	// an error from fn aborts the write.
	UpdateResponder(ctx context.Context, id string, fn func(*Responder) error) (*Responder, error)
	GetResponders(ctx context.Context, ids []string) ([]*Responder, error)
	// RecentEligibleResponders returns up to limit eligible responders,
	// most recently updated first.
	RecentEligibleResponders(ctx context.Context, limit int) ([]*Responder, error)
	ListResponders(ctx context.Context) ([]*Responder, error)
}

// Store is the full persistence surface a backend provides.
type Store interface {
	IncidentStore
	SessionStore
	ResponderStore
}

// TrackStore holds live-tracking projections keyed by escort session id.
type TrackStore interface {
	PutTrack(ctx context.Context, t *LiveTrack) error
	GetTrack(ctx context.Context, sessionID string) (*LiveTrack, bool, error)
	DeleteTrack(ctx context.Context, sessionID string) error
}
