package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/geoindex"
)

var tracer = otel.Tracer("github.com/linnemanlabs/safeguard/internal/safety")

// Engine defaults.
const (
	DefaultMaxRadiusKm         = 50.0
	DefaultEscortRetention     = 24 * time.Hour
	DefaultNearbyFallbackLimit = 50
	purgeBatch                 = 500
)

// Escalation describes an activation nobody was notified about.
type Escalation struct {
	Kind        Kind
	AggregateID string
	ActorID     string
	Category    Category
	Point       geo.Coordinate
	Matched     int
	Degraded    bool
	Summary     *DispatchSummary
	At          time.Time
}

// Escalator is told when a dispatch delivered to nobody.
type Escalator interface {
	Escalate(ctx context.Context, e *Escalation) error
}

// EngineDeps are the collaborators the engine orchestrates.
type EngineDeps struct {
	Store      Store
	Tracks     TrackStore
	Index      geoindex.Index
	Matcher    *Matcher
	Dispatcher *Dispatcher
	Escalator  Escalator
	Hooks      EngineHooks
	Logger     log.Logger
}

// EngineOptions tunes engine behaviour.
type EngineOptions struct {
	// MaxRadiusKm is the operational match ceiling and the upper bound for
	// responder radius settings.
	MaxRadiusKm float64
	// NotifyOnEscort makes StartEscort alert nearby responders like a panic.
	NotifyOnEscort bool
	// EscortRetention is how long an ended session's live data is kept.
	EscortRetention time.Duration
	// NearbyFallbackLimit caps the incident list for a responder with no position.
	NearbyFallbackLimit int
	Now                 func() time.Time
}

// Ack is the synchronous acknowledgement of an activation.
type Ack struct {
	ID       string `json:"id"`
	Matched  int    `json:"matched"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// NearbyIncident is one entry of a responder's incident list. DistanceKm is
// nil when the responder has no position.
type NearbyIncident struct {
	Incident   *PanicEvent `json:"incident"`
	DistanceKm *float64    `json:"distance_km,omitempty"`
}

// NearbyIncidents is the result of QueryNearbyIncidents.
type NearbyIncidents struct {
	Incidents []NearbyIncident `json:"incidents"`
	Degraded  bool             `json:"degraded"`
}

// ActorTrack is the latest known point of a civilian with an active panic
// or escort.
type ActorTrack struct {
	ActorID   string      `json:"actor_id"`
	HasPanic  bool        `json:"has_panic"`
	HasEscort bool        `json:"has_escort"`
	PanicID   string      `json:"panic_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Point     *TrailPoint `json:"point,omitempty"`
}

// Engine owns the panic and escort state machines and triggers matching and
// notification on activation.
type Engine struct {
	incidents  IncidentStore
	sessions   SessionStore
	responders ResponderStore
	tracks     TrackStore
	index      geoindex.Index
	matcher    *Matcher
	dispatcher *Dispatcher
	escalator  Escalator
	hooks      EngineHooks
	logger     log.Logger
	opts       EngineOptions
	tasks      taskSet
}

// NewEngine wires an engine. Store, Tracks, Index, Matcher and Dispatcher are required.
func NewEngine(deps EngineDeps, opts EngineOptions) *Engine {
	if deps.Store == nil || deps.Tracks == nil || deps.Index == nil {
		panic(xerrors.New("store, track store and geo index are required"))
	}
	if deps.Matcher == nil || deps.Dispatcher == nil {
		panic(xerrors.New("matcher and dispatcher are required"))
	}
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if opts.MaxRadiusKm <= 0 {
		opts.MaxRadiusKm = DefaultMaxRadiusKm
	}
	if opts.EscortRetention <= 0 {
		opts.EscortRetention = DefaultEscortRetention
	}
	if opts.NearbyFallbackLimit <= 0 {
		opts.NearbyFallbackLimit = DefaultNearbyFallbackLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		incidents:  deps.Store,
		sessions:   deps.Store,
		responders: deps.Store,
		tracks:     deps.Tracks,
		index:      deps.Index,
		matcher:    deps.Matcher,
		dispatcher: deps.Dispatcher,
		escalator:  deps.Escalator,
		hooks:      deps.Hooks,
		logger:     deps.Logger,
		opts:       opts,
	}
	e.tasks.onSize = deps.Hooks.OnInflight
	return e
}

// Shutdown stops background dispatch intake and drains running dispatches.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.tasks.Close(ctx)
}

// ActivatePanic opens a panic event for actorID at loc and alerts nearby
// responders in the background.
func (e *Engine) ActivatePanic(ctx context.Context, actorID string, loc geo.Coordinate, accuracy float64, category Category) (ack *Ack, err error) {
	ctx, span := tracer.Start(ctx, "safety.ActivatePanic", trace.WithAttributes(
		attribute.String("safeguard.actor.id", actorID),
		attribute.String("safeguard.panic.category", string(category)),
	))
	defer func() { endSpan(span, err) }()

	if err := validateActor(actorID); err != nil {
		return nil, err
	}
	if err := validateLocation(loc); err != nil {
		return nil, err
	}
	if !category.Valid() {
		return nil, &ValidationError{Field: "category", Reason: "unknown category " + string(category)}
	}

	now := e.opts.Now()
	pt := TrailPoint{Position: loc, Accuracy: accuracy, At: now}
	p := &PanicEvent{
		ID:          ulid.Make().String(),
		ReporterID:  actorID,
		Category:    category,
		State:       PanicActive,
		Trail:       []TrailPoint{pt},
		LastPoint:   pt,
		TrailLen:    1,
		ActivatedAt: now,
	}

	err = e.incidents.CreatePanic(ctx, p)
	e.hooks.transition(KindPanic, "activate", err)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("safeguard.panic.id", p.ID))

	e.logger.Info(ctx, "panic activated",
		"panic_id", p.ID, "reporter", actorID, "category", category, "lat", loc.Lat, "lon", loc.Lon)

	title, body, meta := panicAlert(p)
	ack = e.matchAndDispatch(ctx, &dispatchJob{
		kind:     KindPanic,
		id:       p.ID,
		actorID:  actorID,
		category: category,
		point:    loc,
		title:    title,
		body:     body,
		meta:     meta,
	})
	return ack, nil
}

// AppendPanicLocation adds a point to the actor's active panic trail.
func (e *Engine) AppendPanicLocation(ctx context.Context, actorID string, loc geo.Coordinate, accuracy float64) (*PanicEvent, error) {
	if err := validateActor(actorID); err != nil {
		return nil, err
	}
	if err := validateLocation(loc); err != nil {
		return nil, err
	}

	p, err := e.incidents.AppendPanicPoint(ctx, actorID, TrailPoint{Position: loc, Accuracy: accuracy, At: e.opts.Now()})
	e.hooks.transition(KindPanic, "append", err)
	if err != nil {
		return nil, err
	}
	e.hooks.trail(KindPanic, p.ID, p.LastPoint)
	return p, nil
}

// DeactivatePanic ends the actor's panic. Repeated calls return the terminal snapshot.
func (e *Engine) DeactivatePanic(ctx context.Context, actorID string) (*PanicEvent, error) {
	if err := validateActor(actorID); err != nil {
		return nil, err
	}

	p, err := e.incidents.DeactivatePanic(ctx, actorID, e.opts.Now())
	e.hooks.transition(KindPanic, "deactivate", err)
	if err != nil {
		return nil, err
	}
	e.hooks.terminal(KindPanic, p.ID)
	e.logger.Info(ctx, "panic deactivated", "panic_id", p.ID, "reporter", actorID, "trail_len", p.TrailLen)
	return p, nil
}

// GetPanic returns a panic event with its full trail.
func (e *Engine) GetPanic(ctx context.Context, id string) (*PanicEvent, error) {
	p, ok, err := e.incidents.GetPanic(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFoundError{Kind: KindPanic, Key: id}
	}
	return p, nil
}

// StartEscort opens an escort session and its live-tracking projection.
// Entitlement is checked by the caller.
func (e *Engine) StartEscort(ctx context.Context, actorID string, loc geo.Coordinate) (ack *Ack, err error) {
	ctx, span := tracer.Start(ctx, "safety.StartEscort", trace.WithAttributes(
		attribute.String("safeguard.actor.id", actorID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateActor(actorID); err != nil {
		return nil, err
	}
	if err := validateLocation(loc); err != nil {
		return nil, err
	}

	now := e.opts.Now()
	pt := TrailPoint{Position: loc, At: now}
	s := &EscortSession{
		ID:        ulid.Make().String(),
		RiderID:   actorID,
		State:     EscortActive,
		Trail:     []TrailPoint{pt},
		LastPoint: pt,
		TrailLen:  1,
		StartedAt: now,
	}

	err = e.sessions.CreateEscort(ctx, s)
	e.hooks.transition(KindEscort, "start", err)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("safeguard.escort.id", s.ID))

	e.putTrack(ctx, s, pt)
	e.logger.Info(ctx, "escort started", "session_id", s.ID, "rider", actorID)

	if !e.opts.NotifyOnEscort {
		return &Ack{ID: s.ID}, nil
	}
	title, body, meta := escortAlert(s)
	return e.matchAndDispatch(ctx, &dispatchJob{
		kind:    KindEscort,
		id:      s.ID,
		actorID: actorID,
		point:   loc,
		title:   title,
		body:    body,
		meta:    meta,
	}), nil
}

// AppendEscortLocation adds a point to the actor's active session and moves
// the live projection.
func (e *Engine) AppendEscortLocation(ctx context.Context, actorID string, loc geo.Coordinate) (*EscortSession, error) {
	if err := validateActor(actorID); err != nil {
		return nil, err
	}
	if err := validateLocation(loc); err != nil {
		return nil, err
	}

	s, err := e.sessions.AppendEscortPoint(ctx, actorID, TrailPoint{Position: loc, At: e.opts.Now()})
	e.hooks.transition(KindEscort, "append", err)
	if err != nil {
		return nil, err
	}
	e.putTrack(ctx, s, s.LastPoint)
	e.hooks.trail(KindEscort, s.ID, s.LastPoint)
	return s, nil
}

// StopEscort ends the actor's session, removes the live projection and sets
// the retention deadline. Repeated calls return the terminal snapshot.
func (e *Engine) StopEscort(ctx context.Context, actorID string) (*EscortSession, error) {
	if err := validateActor(actorID); err != nil {
		return nil, err
	}

	s, err := e.sessions.EndEscort(ctx, actorID, e.opts.Now(), e.opts.EscortRetention)
	e.hooks.transition(KindEscort, "stop", err)
	if err != nil {
		return nil, err
	}
	if err := e.tracks.DeleteTrack(ctx, s.ID); err != nil {
		// the purge job retries leftovers
		e.logger.Warn(ctx, "failed to delete live track", "session_id", s.ID, "error", err)
	}
	e.hooks.terminal(KindEscort, s.ID)
	e.logger.Info(ctx, "escort stopped", "session_id", s.ID, "rider", actorID, "trail_len", s.TrailLen)
	return s, nil
}

// GetEscort returns an escort session with its full trail.
func (e *Engine) GetEscort(ctx context.Context, id string) (*EscortSession, error) {
	s, ok, err := e.sessions.GetEscort(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFoundError{Kind: KindEscort, Key: id}
	}
	return s, nil
}

// QueryNearbyIncidents lists active panics within the responder's radius,
// nearest first. Hidden or offline responders get an empty list. A responder
// with no position gets the most recent active panics, marked degraded.
func (e *Engine) QueryNearbyIncidents(ctx context.Context, responderID string) (*NearbyIncidents, error) {
	r, err := e.mustResponder(ctx, responderID)
	if err != nil {
		return nil, err
	}

	out := &NearbyIncidents{Incidents: []NearbyIncident{}}
	if !r.Visible || r.Status == StatusOffline {
		return out, nil
	}

	if r.Position == nil {
		recent, err := e.incidents.RecentActivePanics(ctx, e.opts.NearbyFallbackLimit)
		if err != nil {
			return nil, err
		}
		for _, p := range recent {
			out.Incidents = append(out.Incidents, NearbyIncident{Incident: p})
		}
		out.Degraded = true
		return out, nil
	}

	found, err := e.incidents.ActivePanicsWithin(ctx, *r.Position, r.RadiusKm)
	if err != nil {
		return nil, err
	}
	for _, p := range found {
		d := geo.DistanceKm(*r.Position, p.LastPoint.Position)
		if d > r.RadiusKm {
			continue
		}
		out.Incidents = append(out.Incidents, NearbyIncident{Incident: p, DistanceKm: &d})
	}
	sort.SliceStable(out.Incidents, func(i, j int) bool {
		a, b := out.Incidents[i], out.Incidents[j]
		if !geo.Coincident(*a.DistanceKm, *b.DistanceKm) {
			return *a.DistanceKm < *b.DistanceKm
		}
		return a.Incident.ActivatedAt.After(b.Incident.ActivatedAt)
	})
	return out, nil
}

// TrackActor returns the latest point of the actor's active panic, or of
// the active escort when there is no panic.
func (e *Engine) TrackActor(ctx context.Context, actorID string) (*ActorTrack, error) {
	out := &ActorTrack{ActorID: actorID}

	p, ok, err := e.incidents.LatestPanic(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if ok && p.Active() {
		out.HasPanic = true
		out.PanicID = p.ID
		pt := p.LastPoint
		out.Point = &pt
	}

	s, ok, err := e.sessions.LatestEscort(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if ok && s.Active() {
		out.HasEscort = true
		out.SessionID = s.ID
		if out.Point == nil {
			pt := s.LastPoint
			if t, found, err := e.tracks.GetTrack(ctx, s.ID); err == nil && found {
				pt = t.Point
			}
			out.Point = &pt
		}
	}

	if !out.HasPanic && !out.HasEscort {
		return nil, &NotFoundError{Kind: KindTrack, Key: actorID}
	}
	return out, nil
}

// RebuildIndex reloads every responder position into the geo index.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	all, err := e.responders.ListResponders(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range all {
		if r.Position == nil {
			continue
		}
		if err := e.index.Upsert(ctx, r.ID, *r.Position); err != nil {
			return n, fmt.Errorf("index %s: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}

// PurgeExpired removes live projections of ended sessions past their
// retention deadline and marks them purged. Trails are kept.
func (e *Engine) PurgeExpired(ctx context.Context) (int, error) {
	now := e.opts.Now()
	n := 0
	for {
		batch, err := e.sessions.ExpiredEscorts(ctx, now, purgeBatch)
		if err != nil {
			return n, err
		}
		for _, s := range batch {
			if err := e.tracks.DeleteTrack(ctx, s.ID); err != nil {
				e.hooks.purge(n)
				return n, fmt.Errorf("delete track %s: %w", s.ID, err)
			}
			if err := e.sessions.MarkEscortPurged(ctx, s.ID, now); err != nil {
				e.hooks.purge(n)
				return n, fmt.Errorf("mark purged %s: %w", s.ID, err)
			}
			n++
		}
		if len(batch) < purgeBatch {
			break
		}
	}
	e.hooks.purge(n)
	return n, nil
}

type dispatchJob struct {
	kind     Kind
	id       string
	actorID  string
	category Category
	point    geo.Coordinate
	title    string
	body     string
	meta     map[string]string
}

// matchAndDispatch matches synchronously and hands delivery to the task set.
// Matcher failure degrades the ack, it never fails the activation.
func (e *Engine) matchAndDispatch(ctx context.Context, job *dispatchJob) *Ack {
	ack := &Ack{ID: job.id}
	L := e.logger.With(string(job.kind)+"_id", job.id)

	var recipients []Recipient
	res, err := e.matcher.FindRespondersForIncident(ctx, job.point, e.opts.MaxRadiusKm)
	if err != nil {
		L.Error(ctx, err, "responder match failed")
		ack.Degraded = true
		ack.Reason = (&DispatchDegraded{Reason: "matcher unavailable"}).Error()
		e.hooks.match(job.kind, 0, true)
	} else {
		recipients = res.Recipients()
		ack.Matched = len(res.Matches)
		switch {
		case res.Degraded:
			ack.Degraded = true
			ack.Reason = (&DispatchDegraded{Reason: "no responder in range, fallback used"}).Error()
		case len(res.Matches) == 0:
			ack.Degraded = true
			ack.Reason = (&DispatchDegraded{Reason: "no responder in range"}).Error()
		}
		e.hooks.match(job.kind, ack.Matched, res.Degraded)
	}

	degraded := ack.Degraded
	e.tasks.Go(ctx, func(ctx context.Context) {
		e.runDispatch(ctx, L, job, recipients, degraded)
	})
	return ack
}

func (e *Engine) runDispatch(ctx context.Context, L log.Logger, job *dispatchJob, recipients []Recipient, degraded bool) {
	ctx, span := tracer.Start(ctx, "safety.Dispatch", trace.WithAttributes(
		attribute.String("safeguard.kind", string(job.kind)),
		attribute.String("safeguard.aggregate.id", job.id),
		attribute.Int("safeguard.dispatch.recipients", len(recipients)),
	))
	defer span.End()

	summary := e.dispatcher.Dispatch(ctx, recipients, job.title, job.body, job.meta)
	e.hooks.dispatch(job.kind, summary)
	span.SetAttributes(
		attribute.Int("safeguard.dispatch.sent", summary.Sent),
		attribute.Int("safeguard.dispatch.failed", summary.Failed),
		attribute.Int("safeguard.dispatch.skipped", summary.Skipped),
	)

	rec := &DispatchRecord{
		Matched:     len(recipients),
		Degraded:    degraded,
		Sent:        summary.Sent,
		Failed:      summary.Failed,
		Skipped:     summary.Skipped,
		CompletedAt: e.opts.Now(),
	}
	var err error
	switch job.kind {
	case KindPanic:
		err = e.incidents.RecordPanicDispatch(ctx, job.id, rec)
	case KindEscort:
		err = e.sessions.RecordEscortDispatch(ctx, job.id, rec)
	}
	if err != nil {
		L.Error(ctx, err, "failed to record dispatch summary")
	}

	L.Info(ctx, "dispatch complete",
		"recipients", len(recipients),
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"degraded", degraded,
		"duration", summary.Duration.Seconds(),
	)

	if summary.Sent > 0 || e.escalator == nil {
		return
	}
	esc := &Escalation{
		Kind:        job.kind,
		AggregateID: job.id,
		ActorID:     job.actorID,
		Category:    job.category,
		Point:       job.point,
		Matched:     len(recipients),
		Degraded:    degraded,
		Summary:     summary,
		At:          e.opts.Now(),
	}
	if err := e.escalator.Escalate(ctx, esc); err != nil {
		L.Error(ctx, err, "escalation failed")
	}
}

func (e *Engine) putTrack(ctx context.Context, s *EscortSession, pt TrailPoint) {
	err := e.tracks.PutTrack(ctx, &LiveTrack{
		SessionID: s.ID,
		RiderID:   s.RiderID,
		Point:     pt,
		UpdatedAt: e.opts.Now(),
	})
	if err != nil {
		// projection is derived; the next append rewrites it
		e.logger.Warn(ctx, "failed to write live track", "session_id", s.ID, "error", err)
	}
}

func panicAlert(p *PanicEvent) (title, body string, meta map[string]string) {
	label := p.Category.Label()
	title = fmt.Sprintf("\U0001f6a8 %s ALERT", strings.ToUpper(label))
	body = fmt.Sprintf("%s reported nearby at %.4f, %.4f", label, p.LastPoint.Position.Lat, p.LastPoint.Position.Lon)
	meta = map[string]string{
		"type":     string(KindPanic),
		"event_id": p.ID,
		"category": string(p.Category),
	}
	return title, body, meta
}

func escortAlert(s *EscortSession) (title, body string, meta map[string]string) {
	title = "\U0001f6e1 ESCORT STARTED"
	body = fmt.Sprintf("A monitored trip started nearby at %.4f, %.4f", s.LastPoint.Position.Lat, s.LastPoint.Position.Lon)
	meta = map[string]string{
		"type":       string(KindEscort),
		"session_id": s.ID,
	}
	return title, body, meta
}

func validateActor(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "actor", Reason: "actor id is required"}
	}
	return nil
}

func validateLocation(c geo.Coordinate) error {
	if err := c.Validate(); err != nil {
		return &ValidationError{Field: "location", Reason: err.Error()}
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
