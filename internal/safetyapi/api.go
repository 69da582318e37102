// Package safetyapi exposes the panic, escort and responder operations over
// HTTP.
package safetyapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/safeguard/internal/authmw"
	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/safety"
)

// SafetyService defines the engine operations the API needs.
type SafetyService interface {
	ActivatePanic(ctx context.Context, actorID string, loc geo.Coordinate, accuracy float64, category safety.Category) (*safety.Ack, error)
	AppendPanicLocation(ctx context.Context, actorID string, loc geo.Coordinate, accuracy float64) (*safety.PanicEvent, error)
	DeactivatePanic(ctx context.Context, actorID string) (*safety.PanicEvent, error)
	GetPanic(ctx context.Context, id string) (*safety.PanicEvent, error)

	StartEscort(ctx context.Context, actorID string, loc geo.Coordinate) (*safety.Ack, error)
	AppendEscortLocation(ctx context.Context, actorID string, loc geo.Coordinate) (*safety.EscortSession, error)
	StopEscort(ctx context.Context, actorID string) (*safety.EscortSession, error)
	GetEscort(ctx context.Context, id string) (*safety.EscortSession, error)

	RegisterResponder(ctx context.Context, id string, role safety.Role) (*safety.Responder, error)
	GetResponder(ctx context.Context, id string) (*safety.Responder, error)
	UpdateResponderPosition(ctx context.Context, id string, c geo.Coordinate) (*safety.Responder, error)
	SetResponderRadius(ctx context.Context, id string, km float64) (*safety.Responder, error)
	SetResponderVisibility(ctx context.Context, id string, visible bool) (*safety.Responder, error)
	SetResponderStatus(ctx context.Context, id string, status safety.ResponderStatus) (*safety.Responder, error)
	SetResponderAddress(ctx context.Context, id, pushToken, email string) (*safety.Responder, error)
	NearbyResponders(ctx context.Context, id string) ([]safety.Match, error)
	QueryNearbyIncidents(ctx context.Context, responderID string) (*safety.NearbyIncidents, error)
	TrackActor(ctx context.Context, actorID string) (*safety.ActorTrack, error)
}

// LiveStreamer upgrades a request into a trail subscription.
type LiveStreamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, kind safety.Kind, id string)
}

// Options configures optional API behaviour.
type Options struct {
	// Token enables bearer authentication when non-empty.
	Token string
	// RateLimit is the per-actor request rate in requests per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// Live serves GET /live/{kind}/{id}. The route is not registered when nil.
	Live LiveStreamer
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     SafetyService
	opts    Options
	limiter *actorLimiter
}

// New creates a new API handler.
func New(logger log.Logger, svc SafetyService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("safety service is required"))
	}
	a := &API{
		logger: logger,
		svc:    svc,
		opts:   opts,
	}
	if opts.RateLimit > 0 {
		a.limiter = newActorLimiter(opts.RateLimit, opts.RateBurst, 10*time.Minute)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.Gateway(a.opts.Token))
		if a.limiter != nil {
			r.Use(a.limiter.middleware(a.logger))
		}

		r.Get("/panic/{id}", a.handleGetPanic)

		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireRole(authmw.RoleCivil))
			r.Post("/panic/activate", a.handleActivatePanic)
			r.Post("/panic/location", a.handlePanicLocation)
			r.Post("/panic/deactivate", a.handleDeactivatePanic)

			r.Group(func(r chi.Router) {
				r.Use(authmw.RequirePremium)
				r.Post("/escort/start", a.handleStartEscort)
				r.Post("/escort/location", a.handleEscortLocation)
				r.Post("/escort/stop", a.handleStopEscort)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireRole(authmw.RoleSecurity))
			r.Post("/responders/me", a.handleRegisterResponder)
			r.Get("/responders/me", a.handleGetResponder)
			r.Put("/responders/me/position", a.handleResponderPosition)
			r.Put("/responders/me/radius", a.handleResponderRadius)
			r.Put("/responders/me/visibility", a.handleResponderVisibility)
			r.Put("/responders/me/status", a.handleResponderStatus)
			r.Put("/responders/me/address", a.handleResponderAddress)
			r.Delete("/responders/me/address", a.handleClearResponderAddress)
			r.Get("/responders/me/incidents", a.handleNearbyIncidents)
			r.Get("/responders/me/nearby", a.handleNearbyResponders)
			r.Get("/track/{actorID}", a.handleTrackActor)
			if a.opts.Live != nil {
				r.Get("/live/{kind}/{id}", a.handleLive)
			}
		})
	})
}

func actorOf(r *http.Request) authmw.Actor {
	// Identity always runs before the handlers
	act, _ := authmw.ActorFromContext(r.Context())
	return act
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error      string `json:"error"`
	Field      string `json:"field,omitempty"`
	ExistingID string `json:"existing_id,omitempty"`
	State      string `json:"state,omitempty"`
}

// writeError maps engine errors to status codes. Unknown errors are logged
// and reported as 500 without detail.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		conflict *safety.ConflictError
		invalid  *safety.InvalidStateError
		notFound *safety.NotFoundError
		valErr   *safety.ValidationError
	)
	switch {
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: valErr.Error(), Field: valErr.Field})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: conflict.Error(), ExistingID: conflict.ExistingID})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: invalid.Error(), State: invalid.State})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: notFound.Error()})
	case errors.Is(err, safety.ErrTransient):
		a.logger.Warn(r.Context(), "transient store error", "op", op, "err", err.Error())
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
	default:
		a.logger.Error(r.Context(), err, "request failed", "op", op)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
