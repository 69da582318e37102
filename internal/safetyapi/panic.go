package safetyapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/safeguard/internal/authmw"
	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/safety"
)

type locationRequest struct {
	Lat      *float64 `json:"lat" validate:"required,lat"`
	Lng      *float64 `json:"lng" validate:"required,lng"`
	Accuracy float64  `json:"accuracy,omitempty" validate:"gte=0"`
}

func (l locationRequest) coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: *l.Lat, Lon: *l.Lng}
}

type activatePanicRequest struct {
	locationRequest
	Category string `json:"category,omitempty" validate:"max=32"`
}

func (a *API) handleActivatePanic(w http.ResponseWriter, r *http.Request) {
	var req activatePanicRequest
	if !decode(w, r, &req) {
		return
	}
	cat, err := safety.ParseCategory(req.Category)
	if err != nil {
		a.writeError(w, r, "activate panic", err)
		return
	}

	act := actorOf(r)
	ack, err := a.svc.ActivatePanic(r.Context(), act.ID, req.coordinate(), req.Accuracy, cat)
	if err != nil {
		a.writeError(w, r, "activate panic", err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("safeguard.panic.id", ack.ID),
		attribute.Int("safeguard.matched", ack.Matched),
	)
	writeJSON(w, http.StatusAccepted, ack)
}

func (a *API) handlePanicLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := a.svc.AppendPanicLocation(r.Context(), actorOf(r).ID, req.coordinate(), req.Accuracy)
	if err != nil {
		a.writeError(w, r, "append panic location", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleDeactivatePanic(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.DeactivatePanic(r.Context(), actorOf(r).ID)
	if err != nil {
		a.writeError(w, r, "deactivate panic", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleGetPanic serves responders and the reporter. Other civilians get 404.
func (a *API) handleGetPanic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("safeguard.panic.id", id))

	p, err := a.svc.GetPanic(r.Context(), id)
	if err != nil {
		a.writeError(w, r, "get panic", err)
		return
	}
	if act := actorOf(r); act.Role != authmw.RoleSecurity && act.ID != p.ReporterID {
		a.writeError(w, r, "get panic", &safety.NotFoundError{Kind: safety.KindPanic, Key: id})
		return
	}
	writeJSON(w, http.StatusOK, p)
}
