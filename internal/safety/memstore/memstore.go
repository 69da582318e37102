// Package memstore provides an in-memory implementation of safety.Store.
//
// One store-wide mutex guards every map, so writes for unrelated actors
// serialize behind each other, and readers wait on any writer. That is the
// whole concurrency story: per-actor ordering falls out of it, but throughput
// does not scale with actors. pgstore locks per row (SELECT ... FOR UPDATE on
// the actor's active record) and is the store to run under real load.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/safety"
)

// Store holds incidents, sessions and responders in memory behind a single
// lock. Suitable for dev/testing.
type Store struct {
	mu sync.RWMutex

	panics       map[string]*safety.PanicEvent // panic ID -> event
	activePanic  map[string]string             // reporter -> active panic ID
	latestPanic  map[string]string             // reporter -> most recent panic ID
	escorts      map[string]*safety.EscortSession
	activeEscort map[string]string
	latestEscort map[string]string
	responders   map[string]*safety.Responder
}

var _ safety.Store = (*Store)(nil)

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		panics:       make(map[string]*safety.PanicEvent),
		activePanic:  make(map[string]string),
		latestPanic:  make(map[string]string),
		escorts:      make(map[string]*safety.EscortSession),
		activeEscort: make(map[string]string),
		latestEscort: make(map[string]string),
		responders:   make(map[string]*safety.Responder),
	}
}

// CreatePanic stores p unless the reporter already has an active event.
func (s *Store) CreatePanic(_ context.Context, p *safety.PanicEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.activePanic[p.ReporterID]; ok {
		return &safety.ConflictError{Kind: safety.KindPanic, ActorID: p.ReporterID, ExistingID: id}
	}
	s.panics[p.ID] = copyPanic(p, true)
	s.activePanic[p.ReporterID] = p.ID
	s.latestPanic[p.ReporterID] = p.ID
	return nil
}

// GetPanic returns a copy of the event with its trail.
func (s *Store) GetPanic(_ context.Context, id string) (*safety.PanicEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.panics[id]
	if !ok {
		return nil, false, nil
	}
	return copyPanic(p, true), true, nil
}

func (s *Store) LatestPanic(_ context.Context, reporterID string) (*safety.PanicEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activePanic[reporterID]
	if !ok {
		id, ok = s.latestPanic[reporterID]
	}
	if !ok {
		return nil, false, nil
	}
	return copyPanic(s.panics[id], true), true, nil
}

func (s *Store) AppendPanicPoint(_ context.Context, reporterID string, pt safety.TrailPoint) (*safety.PanicEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activePanic[reporterID]
	if !ok {
		return nil, s.panicMissing(reporterID)
	}
	p := s.panics[id]
	pt = safety.NextTrailPoint(p.LastPoint.At, pt)
	p.Trail = append(p.Trail, pt)
	p.LastPoint = pt
	p.TrailLen = len(p.Trail)
	return copyPanic(p, false), nil
}

func (s *Store) DeactivatePanic(_ context.Context, reporterID string, at time.Time) (*safety.PanicEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activePanic[reporterID]
	if !ok {
		last, ok := s.latestPanic[reporterID]
		if !ok {
			return nil, &safety.NotFoundError{Kind: safety.KindPanic, Key: reporterID}
		}
		return copyPanic(s.panics[last], false), nil
	}
	p := s.panics[id]
	p.State = safety.PanicDeactivated
	at = maxTime(at, p.LastPoint.At)
	p.DeactivatedAt = &at
	delete(s.activePanic, reporterID)
	return copyPanic(p, false), nil
}

// ActivePanicsWithin scans every active event.
func (s *Store) ActivePanicsWithin(_ context.Context, center geo.Coordinate, radiusKm float64) ([]*safety.PanicEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*safety.PanicEvent{}
	for _, id := range s.activePanic {
		p := s.panics[id]
		if geo.Within(center, p.LastPoint.Position, radiusKm) {
			out = append(out, copyPanic(p, false))
		}
	}
	return out, nil
}

func (s *Store) RecentActivePanics(_ context.Context, limit int) ([]*safety.PanicEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*safety.PanicEvent, 0, len(s.activePanic))
	for _, id := range s.activePanic {
		out = append(out, copyPanic(s.panics[id], false))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ActivatedAt.Equal(out[j].ActivatedAt) {
			return out[i].ActivatedAt.After(out[j].ActivatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordPanicDispatch(_ context.Context, id string, rec *safety.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.panics[id]
	if !ok {
		return &safety.NotFoundError{Kind: safety.KindPanic, Key: id}
	}
	cp := *rec
	p.Dispatch = &cp
	return nil
}

// CreateEscort stores e unless the rider already has an active session.
func (s *Store) CreateEscort(_ context.Context, e *safety.EscortSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.activeEscort[e.RiderID]; ok {
		return &safety.ConflictError{Kind: safety.KindEscort, ActorID: e.RiderID, ExistingID: id}
	}
	s.escorts[e.ID] = copyEscort(e, true)
	s.activeEscort[e.RiderID] = e.ID
	s.latestEscort[e.RiderID] = e.ID
	return nil
}

func (s *Store) GetEscort(_ context.Context, id string) (*safety.EscortSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escorts[id]
	if !ok {
		return nil, false, nil
	}
	return copyEscort(e, true), true, nil
}

func (s *Store) LatestEscort(_ context.Context, riderID string) (*safety.EscortSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeEscort[riderID]
	if !ok {
		id, ok = s.latestEscort[riderID]
	}
	if !ok {
		return nil, false, nil
	}
	return copyEscort(s.escorts[id], true), true, nil
}

func (s *Store) AppendEscortPoint(_ context.Context, riderID string, pt safety.TrailPoint) (*safety.EscortSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeEscort[riderID]
	if !ok {
		return nil, s.escortMissing(riderID)
	}
	e := s.escorts[id]
	pt = safety.NextTrailPoint(e.LastPoint.At, pt)
	e.Trail = append(e.Trail, pt)
	e.LastPoint = pt
	e.TrailLen = len(e.Trail)
	return copyEscort(e, false), nil
}

func (s *Store) EndEscort(_ context.Context, riderID string, at time.Time, retention time.Duration) (*safety.EscortSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeEscort[riderID]
	if !ok {
		last, ok := s.latestEscort[riderID]
		if !ok {
			return nil, &safety.NotFoundError{Kind: safety.KindEscort, Key: riderID}
		}
		return copyEscort(s.escorts[last], false), nil
	}
	e := s.escorts[id]
	e.State = safety.EscortEnded
	at = maxTime(at, e.LastPoint.At)
	deadline := at.Add(retention)
	e.EndedAt = &at
	e.RetentionDeadline = &deadline
	delete(s.activeEscort, riderID)
	return copyEscort(e, false), nil
}

func (s *Store) ExpiredEscorts(_ context.Context, now time.Time, limit int) ([]*safety.EscortSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*safety.EscortSession{}
	for _, e := range s.escorts {
		if e.State != safety.EscortEnded || e.PurgedAt != nil || e.RetentionDeadline == nil {
			continue
		}
		if e.RetentionDeadline.After(now) {
			continue
		}
		out = append(out, copyEscort(e, false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RetentionDeadline.Before(*out[j].RetentionDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkEscortPurged(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escorts[id]
	if !ok {
		return &safety.NotFoundError{Kind: safety.KindEscort, Key: id}
	}
	if e.PurgedAt == nil {
		e.PurgedAt = &at
	}
	return nil
}

func (s *Store) RecordEscortDispatch(_ context.Context, id string, rec *safety.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escorts[id]
	if !ok {
		return &safety.NotFoundError{Kind: safety.KindEscort, Key: id}
	}
	cp := *rec
	e.Dispatch = &cp
	return nil
}

// PutResponder stores a copy of r, replacing any existing record.
func (s *Store) PutResponder(_ context.Context, r *safety.Responder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[r.ID] = copyResponder(r)
	return nil
}

func (s *Store) GetResponder(_ context.Context, id string) (*safety.Responder, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responders[id]
	if !ok {
		return nil, false, nil
	}
	return copyResponder(r), true, nil
}

// UpdateResponder applies fn to a copy and stores it only when fn succeeds.
func (s *Store) UpdateResponder(_ context.Context, id string, fn func(*safety.Responder) error) (*safety.Responder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responders[id]
	if !ok {
		return nil, &safety.NotFoundError{Kind: safety.KindResponder, Key: id}
	}
	cp := copyResponder(r)
	if err := fn(cp); err != nil {
		return nil, err
	}
	s.responders[id] = cp
	return copyResponder(cp), nil
}

// GetResponders returns the records that exist, in ids order.
func (s *Store) GetResponders(_ context.Context, ids []string) ([]*safety.Responder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*safety.Responder, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.responders[id]; ok {
			out = append(out, copyResponder(r))
		}
	}
	return out, nil
}

func (s *Store) RecentEligibleResponders(_ context.Context, limit int) ([]*safety.Responder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*safety.Responder{}
	for _, r := range s.responders {
		if r.Eligible() {
			out = append(out, copyResponder(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListResponders(_ context.Context) ([]*safety.Responder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*safety.Responder, 0, len(s.responders))
	for _, r := range s.responders {
		out = append(out, copyResponder(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// caller holds s.mu
func (s *Store) panicMissing(reporterID string) error {
	if id, ok := s.latestPanic[reporterID]; ok {
		p := s.panics[id]
		return &safety.InvalidStateError{Kind: safety.KindPanic, ID: p.ID, State: string(p.State)}
	}
	return &safety.NotFoundError{Kind: safety.KindPanic, Key: reporterID}
}

// caller holds s.mu
func (s *Store) escortMissing(riderID string) error {
	if id, ok := s.latestEscort[riderID]; ok {
		e := s.escorts[id]
		return &safety.InvalidStateError{Kind: safety.KindEscort, ID: e.ID, State: string(e.State)}
	}
	return &safety.NotFoundError{Kind: safety.KindEscort, Key: riderID}
}

func copyPanic(p *safety.PanicEvent, withTrail bool) *safety.PanicEvent {
	cp := *p
	cp.Trail = nil
	if withTrail {
		cp.Trail = append([]safety.TrailPoint(nil), p.Trail...)
	}
	cp.DeactivatedAt = copyTime(p.DeactivatedAt)
	if p.Dispatch != nil {
		d := *p.Dispatch
		cp.Dispatch = &d
	}
	return &cp
}

func copyEscort(e *safety.EscortSession, withTrail bool) *safety.EscortSession {
	cp := *e
	cp.Trail = nil
	if withTrail {
		cp.Trail = append([]safety.TrailPoint(nil), e.Trail...)
	}
	cp.EndedAt = copyTime(e.EndedAt)
	cp.RetentionDeadline = copyTime(e.RetentionDeadline)
	cp.PurgedAt = copyTime(e.PurgedAt)
	if e.Dispatch != nil {
		d := *e.Dispatch
		cp.Dispatch = &d
	}
	return &cp
}

func copyResponder(r *safety.Responder) *safety.Responder {
	cp := *r
	if r.Position != nil {
		pos := *r.Position
		cp.Position = &pos
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
