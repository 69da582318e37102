package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/safety"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lagos = geo.Coordinate{Lat: 6.5244, Lon: 3.3792}
)

func newPanic(id, reporter string, at time.Time, c geo.Coordinate) *safety.PanicEvent {
	pt := safety.TrailPoint{Position: c, At: at}
	return &safety.PanicEvent{
		ID:          id,
		ReporterID:  reporter,
		Category:    safety.CategoryOther,
		State:       safety.PanicActive,
		Trail:       []safety.TrailPoint{pt},
		LastPoint:   pt,
		TrailLen:    1,
		ActivatedAt: at,
	}
}

func newEscort(id, rider string, at time.Time) *safety.EscortSession {
	pt := safety.TrailPoint{Position: lagos, At: at}
	return &safety.EscortSession{
		ID:        id,
		RiderID:   rider,
		State:     safety.EscortActive,
		Trail:     []safety.TrailPoint{pt},
		LastPoint: pt,
		TrailLen:  1,
		StartedAt: at,
	}
}

func TestStore_CreatePanicConflict(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.CreatePanic(ctx, newPanic("p-1", "alice", t0, lagos)); err != nil {
		t.Fatalf("CreatePanic: %v", err)
	}

	err := s.CreatePanic(ctx, newPanic("p-2", "alice", t0, lagos))
	var ce *safety.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConflictError", err)
	}
	if ce.ExistingID != "p-1" {
		t.Errorf("ExistingID = %q, want p-1", ce.ExistingID)
	}

	// a different reporter is unaffected
	if err := s.CreatePanic(ctx, newPanic("p-3", "bob", t0, lagos)); err != nil {
		t.Fatalf("CreatePanic bob: %v", err)
	}
}

func TestStore_CreatePanicConcurrent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 50

	var ok, conflicts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			err := s.CreatePanic(ctx, newPanic(fmt.Sprintf("p-%d", i), "alice", t0, lagos))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, safety.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || conflicts.Load() != n-1 {
		t.Errorf("ok=%d conflicts=%d, want 1 and %d", ok.Load(), conflicts.Load(), n-1)
	}
}

func TestStore_AppendAcrossActorsConcurrent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const actors, points = 20, 25

	for a := range actors {
		if err := s.CreatePanic(ctx, newPanic(fmt.Sprintf("p-%d", a), fmt.Sprintf("actor-%d", a), t0, lagos)); err != nil {
			t.Fatalf("CreatePanic: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(actors)
	for a := range actors {
		go func() {
			defer wg.Done()
			reporter := fmt.Sprintf("actor-%d", a)
			for i := range points {
				pt := safety.TrailPoint{Position: lagos, At: t0.Add(time.Duration(i+1) * time.Second)}
				if _, err := s.AppendPanicPoint(ctx, reporter, pt); err != nil {
					t.Errorf("AppendPanicPoint %s: %v", reporter, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for a := range actors {
		p, ok, err := s.GetPanic(ctx, fmt.Sprintf("p-%d", a))
		if err != nil || !ok {
			t.Fatalf("GetPanic p-%d: ok=%v err=%v", a, ok, err)
		}
		if p.TrailLen != points+1 {
			t.Errorf("p-%d trail = %d, want %d", a, p.TrailLen, points+1)
		}
		if !p.LastPoint.At.Equal(t0.Add(points * time.Second)) {
			t.Errorf("p-%d last point at %s", a, p.LastPoint.At)
		}
	}
}

func TestStore_AppendPanicPoint(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, err := s.AppendPanicPoint(ctx, "alice", safety.TrailPoint{Position: lagos, At: t0})
	if !errors.Is(err, safety.ErrNotFound) {
		t.Fatalf("append without panic: err = %v, want ErrNotFound", err)
	}

	_ = s.CreatePanic(ctx, newPanic("p-1", "alice", t0, lagos))

	p, err := s.AppendPanicPoint(ctx, "alice", safety.TrailPoint{Position: lagos, At: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("AppendPanicPoint: %v", err)
	}
	if p.TrailLen != 2 {
		t.Errorf("TrailLen = %d, want 2", p.TrailLen)
	}

	// an earlier timestamp is clamped to the last point
	p, err = s.AppendPanicPoint(ctx, "alice", safety.TrailPoint{Position: lagos, At: t0})
	if err != nil {
		t.Fatalf("AppendPanicPoint: %v", err)
	}
	if !p.LastPoint.At.Equal(t0.Add(time.Minute)) {
		t.Errorf("LastPoint.At = %v, want %v", p.LastPoint.At, t0.Add(time.Minute))
	}

	got, _, _ := s.GetPanic(ctx, "p-1")
	if len(got.Trail) != 3 {
		t.Fatalf("trail = %d points, want 3", len(got.Trail))
	}
	for i := 1; i < len(got.Trail); i++ {
		if got.Trail[i].At.Before(got.Trail[i-1].At) {
			t.Errorf("trail[%d] before trail[%d]", i, i-1)
		}
	}
}

func TestStore_DeactivatePanic(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if _, err := s.DeactivatePanic(ctx, "alice", t0); !errors.Is(err, safety.ErrNotFound) {
		t.Fatalf("deactivate without panic: err = %v, want ErrNotFound", err)
	}

	_ = s.CreatePanic(ctx, newPanic("p-1", "alice", t0, lagos))
	p, err := s.DeactivatePanic(ctx, "alice", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("DeactivatePanic: %v", err)
	}
	if p.State != safety.PanicDeactivated || p.DeactivatedAt == nil {
		t.Fatalf("state = %q deactivated_at = %v", p.State, p.DeactivatedAt)
	}

	// idempotent, keeps the first timestamp
	again, err := s.DeactivatePanic(ctx, "alice", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("second DeactivatePanic: %v", err)
	}
	if !again.DeactivatedAt.Equal(*p.DeactivatedAt) {
		t.Errorf("DeactivatedAt changed: %v -> %v", p.DeactivatedAt, again.DeactivatedAt)
	}

	_, err = s.AppendPanicPoint(ctx, "alice", safety.TrailPoint{Position: lagos, At: t0})
	if !errors.Is(err, safety.ErrInvalidState) {
		t.Errorf("append after deactivate: err = %v, want ErrInvalidState", err)
	}

	// a new panic may follow
	if err := s.CreatePanic(ctx, newPanic("p-2", "alice", t0.Add(2*time.Hour), lagos)); err != nil {
		t.Fatalf("CreatePanic after deactivate: %v", err)
	}
	latest, ok, _ := s.LatestPanic(ctx, "alice")
	if !ok || latest.ID != "p-2" {
		t.Errorf("LatestPanic = %+v, want p-2", latest)
	}
}

func TestStore_ActivePanicsWithin(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreatePanic(ctx, newPanic("near", "a", t0, geo.Coordinate{Lat: 6.6, Lon: 3.4}))
	_ = s.CreatePanic(ctx, newPanic("far", "b", t0, geo.Coordinate{Lat: 6.7, Lon: 3.5}))
	_ = s.CreatePanic(ctx, newPanic("ended", "c", t0, lagos))
	_, _ = s.DeactivatePanic(ctx, "c", t0)

	got, err := s.ActivePanicsWithin(ctx, lagos, 10)
	if err != nil {
		t.Fatalf("ActivePanicsWithin: %v", err)
	}
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("got %d events, want only near", len(got))
	}
	if got[0].Trail != nil {
		t.Error("list reads should not carry the trail")
	}
}

func TestStore_RecentActivePanics(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 5 {
		_ = s.CreatePanic(ctx, newPanic(fmt.Sprintf("p-%d", i), fmt.Sprintf("r-%d", i), t0.Add(time.Duration(i)*time.Minute), lagos))
	}

	got, err := s.RecentActivePanics(ctx, 3)
	if err != nil {
		t.Fatalf("RecentActivePanics: %v", err)
	}
	want := []string{"p-4", "p-3", "p-2"}
	if len(got) != len(want) {
		t.Fatalf("got %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("got[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreatePanic(ctx, newPanic("p-1", "alice", t0, lagos))

	got, _, _ := s.GetPanic(ctx, "p-1")
	got.State = safety.PanicDeactivated
	got.Trail[0].Position.Lat = 0

	again, _, _ := s.GetPanic(ctx, "p-1")
	if again.State != safety.PanicActive {
		t.Error("mutating a returned event changed the stored state")
	}
	if again.Trail[0].Position.Lat != lagos.Lat {
		t.Error("mutating a returned trail changed the stored trail")
	}
}

func TestStore_EscortLifecycle(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.CreateEscort(ctx, newEscort("e-1", "rider", t0)); err != nil {
		t.Fatalf("CreateEscort: %v", err)
	}
	if err := s.CreateEscort(ctx, newEscort("e-2", "rider", t0)); !errors.Is(err, safety.ErrConflict) {
		t.Fatalf("second CreateEscort: err = %v, want ErrConflict", err)
	}

	if _, err := s.AppendEscortPoint(ctx, "rider", safety.TrailPoint{Position: lagos, At: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("AppendEscortPoint: %v", err)
	}

	e, err := s.EndEscort(ctx, "rider", t0.Add(2*time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("EndEscort: %v", err)
	}
	if e.State != safety.EscortEnded || e.EndedAt == nil || e.RetentionDeadline == nil {
		t.Fatalf("ended session = %+v", e)
	}
	if want := t0.Add(2*time.Minute + time.Hour); !e.RetentionDeadline.Equal(want) {
		t.Errorf("RetentionDeadline = %v, want %v", e.RetentionDeadline, want)
	}

	again, err := s.EndEscort(ctx, "rider", t0.Add(time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("second EndEscort: %v", err)
	}
	if !again.EndedAt.Equal(*e.EndedAt) {
		t.Errorf("EndedAt changed on repeat: %v -> %v", e.EndedAt, again.EndedAt)
	}

	if _, err := s.AppendEscortPoint(ctx, "rider", safety.TrailPoint{Position: lagos, At: t0}); !errors.Is(err, safety.ErrInvalidState) {
		t.Errorf("append after end: err = %v, want ErrInvalidState", err)
	}
}

func TestStore_ExpiredEscorts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateEscort(ctx, newEscort("e-old", "r1", t0))
	_, _ = s.EndEscort(ctx, "r1", t0, time.Hour)
	_ = s.CreateEscort(ctx, newEscort("e-new", "r2", t0))
	_, _ = s.EndEscort(ctx, "r2", t0.Add(3*time.Hour), time.Hour)
	_ = s.CreateEscort(ctx, newEscort("e-live", "r3", t0))

	now := t0.Add(2 * time.Hour)
	got, err := s.ExpiredEscorts(ctx, now, 10)
	if err != nil {
		t.Fatalf("ExpiredEscorts: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e-old" {
		t.Fatalf("expired = %v, want only e-old", got)
	}

	if err := s.MarkEscortPurged(ctx, "e-old", now); err != nil {
		t.Fatalf("MarkEscortPurged: %v", err)
	}
	got, _ = s.ExpiredEscorts(ctx, now, 10)
	if len(got) != 0 {
		t.Errorf("purged session still listed: %v", got)
	}

	// trail survives the purge
	e, ok, _ := s.GetEscort(ctx, "e-old")
	if !ok || len(e.Trail) != 1 || e.PurgedAt == nil {
		t.Errorf("purged session = %+v", e)
	}
}

func TestStore_RecordDispatch(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreatePanic(ctx, newPanic("p-1", "alice", t0, lagos))

	if err := s.RecordPanicDispatch(ctx, "p-1", &safety.DispatchRecord{Matched: 3, Sent: 2, Failed: 1}); err != nil {
		t.Fatalf("RecordPanicDispatch: %v", err)
	}
	p, _, _ := s.GetPanic(ctx, "p-1")
	if p.Dispatch == nil || p.Dispatch.Sent != 2 {
		t.Errorf("Dispatch = %+v", p.Dispatch)
	}

	if err := s.RecordEscortDispatch(ctx, "missing", &safety.DispatchRecord{}); !errors.Is(err, safety.ErrNotFound) {
		t.Errorf("RecordEscortDispatch missing: err = %v, want ErrNotFound", err)
	}
}

func TestStore_Responders(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	pos := lagos
	_ = s.PutResponder(ctx, &safety.Responder{ID: "b", Position: &pos, Visible: true, Status: safety.StatusAvailable, RadiusKm: 10, UpdatedAt: t0})
	_ = s.PutResponder(ctx, &safety.Responder{ID: "a", Position: &pos, Visible: true, Status: safety.StatusAvailable, RadiusKm: 10, UpdatedAt: t0.Add(time.Minute)})
	_ = s.PutResponder(ctx, &safety.Responder{ID: "hidden", Position: &pos, Visible: false, Status: safety.StatusAvailable, UpdatedAt: t0.Add(time.Hour)})
	_ = s.PutResponder(ctx, &safety.Responder{ID: "nopos", Visible: true, Status: safety.StatusAvailable, UpdatedAt: t0.Add(time.Hour)})

	recent, err := s.RecentEligibleResponders(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEligibleResponders: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "a" || recent[1].ID != "b" {
		t.Fatalf("recent = %v, want [a b]", recent)
	}

	got, err := s.GetResponders(ctx, []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("GetResponders: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("GetResponders returned %d, want 2", len(got))
	}

	boom := errors.New("boom")
	if _, err := s.UpdateResponder(ctx, "a", func(r *safety.Responder) error {
		r.RadiusKm = 99
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("UpdateResponder err = %v, want boom", err)
	}
	a, _, _ := s.GetResponder(ctx, "a")
	if a.RadiusKm != 10 {
		t.Errorf("aborted update was applied: radius %v", a.RadiusKm)
	}

	if _, err := s.UpdateResponder(ctx, "missing", func(*safety.Responder) error { return nil }); !errors.Is(err, safety.ErrNotFound) {
		t.Errorf("UpdateResponder missing: err = %v, want ErrNotFound", err)
	}

	all, _ := s.ListResponders(ctx)
	if len(all) != 4 {
		t.Errorf("ListResponders = %d, want 4", len(all))
	}
}

func TestTracks(t *testing.T) {
	t.Parallel()

	tr := NewTracks(time.Hour)
	ctx := context.Background()

	if _, ok, _ := tr.GetTrack(ctx, "s-1"); ok {
		t.Fatal("expected no track")
	}
	_ = tr.PutTrack(ctx, &safety.LiveTrack{SessionID: "s-1", RiderID: "rider", Point: safety.TrailPoint{Position: lagos}})

	got, ok, err := tr.GetTrack(ctx, "s-1")
	if err != nil || !ok {
		t.Fatalf("GetTrack: ok=%v err=%v", ok, err)
	}
	if got.RiderID != "rider" {
		t.Errorf("RiderID = %q", got.RiderID)
	}

	if err := tr.DeleteTrack(ctx, "s-1"); err != nil {
		t.Fatalf("DeleteTrack: %v", err)
	}
	if _, ok, _ := tr.GetTrack(ctx, "s-1"); ok {
		t.Error("track still present after delete")
	}
	if err := tr.DeleteTrack(ctx, "s-1"); err != nil {
		t.Errorf("DeleteTrack twice: %v", err)
	}
}

func TestTracks_Expire(t *testing.T) {
	t.Parallel()

	tr := NewTracks(20 * time.Millisecond)
	ctx := context.Background()
	_ = tr.PutTrack(ctx, &safety.LiveTrack{SessionID: "s-1"})

	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := tr.GetTrack(ctx, "s-1"); ok {
		t.Error("track should have expired")
	}
}
