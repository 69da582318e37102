package safetyapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/safeguard/internal/geo"
	"github.com/linnemanlabs/safeguard/internal/safety"
)

type registerRequest struct {
	Role string `json:"role" validate:"required,oneof=team_member supervisor"`
}

type positionRequest struct {
	Lat *float64 `json:"lat" validate:"required,lat"`
	Lng *float64 `json:"lng" validate:"required,lng"`
}

type radiusRequest struct {
	RadiusKm float64 `json:"radius_km" validate:"radius_km"`
}

type visibilityRequest struct {
	Visible *bool `json:"visible" validate:"required"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=available busy responding offline"`
}

type addressRequest struct {
	PushToken string `json:"push_token,omitempty" validate:"omitempty,expo_token"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
}

type nearbyResponder struct {
	ID         string                 `json:"id"`
	Role       safety.Role            `json:"role"`
	Status     safety.ResponderStatus `json:"status"`
	Position   *geo.Coordinate        `json:"position,omitempty"`
	DistanceKm float64                `json:"distance_km"`
}

func (a *API) handleRegisterResponder(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := a.svc.RegisterResponder(r.Context(), actorOf(r).ID, safety.Role(req.Role))
	if err != nil {
		a.writeError(w, r, "register responder", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetResponder(w http.ResponseWriter, r *http.Request) {
	resp, err := a.svc.GetResponder(r.Context(), actorOf(r).ID)
	if err != nil {
		a.writeError(w, r, "get responder", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleResponderPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := a.svc.UpdateResponderPosition(r.Context(), actorOf(r).ID, geo.Coordinate{Lat: *req.Lat, Lon: *req.Lng})
	if err != nil {
		a.writeError(w, r, "update responder position", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleResponderRadius(w http.ResponseWriter, r *http.Request) {
	var req radiusRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := a.svc.SetResponderRadius(r.Context(), actorOf(r).ID, req.RadiusKm)
	if err != nil {
		a.writeError(w, r, "set responder radius", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleResponderVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := a.svc.SetResponderVisibility(r.Context(), actorOf(r).ID, *req.Visible)
	if err != nil {
		a.writeError(w, r, "set responder visibility", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleResponderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := a.svc.SetResponderStatus(r.Context(), actorOf(r).ID, safety.ResponderStatus(req.Status))
	if err != nil {
		a.writeError(w, r, "set responder status", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleResponderAddress(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PushToken == "" && req.Email == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "push_token or email is required"})
		return
	}
	resp, err := a.svc.SetResponderAddress(r.Context(), actorOf(r).ID, req.PushToken, req.Email)
	if err != nil {
		a.writeError(w, r, "set responder address", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleClearResponderAddress(w http.ResponseWriter, r *http.Request) {
	resp, err := a.svc.SetResponderAddress(r.Context(), actorOf(r).ID, "", "")
	if err != nil {
		a.writeError(w, r, "clear responder address", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleNearbyIncidents(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.QueryNearbyIncidents(r.Context(), actorOf(r).ID)
	if err != nil {
		a.writeError(w, r, "nearby incidents", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleNearbyResponders omits contact addresses of other responders.
func (a *API) handleNearbyResponders(w http.ResponseWriter, r *http.Request) {
	matches, err := a.svc.NearbyResponders(r.Context(), actorOf(r).ID)
	if err != nil {
		a.writeError(w, r, "nearby responders", err)
		return
	}
	out := make([]nearbyResponder, 0, len(matches))
	for _, m := range matches {
		out = append(out, nearbyResponder{
			ID:         m.Responder.ID,
			Role:       m.Responder.Role,
			Status:     m.Responder.Status,
			Position:   m.Responder.Position,
			DistanceKm: m.DistanceKm,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"responders": out})
}

func (a *API) handleTrackActor(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.TrackActor(r.Context(), chi.URLParam(r, "actorID"))
	if err != nil {
		a.writeError(w, r, "track actor", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLive checks the aggregate is active before upgrading. An end landing
// between the check and the subscription is delivered by the hub on connect.
func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	kind := safety.Kind(chi.URLParam(r, "kind"))
	id := chi.URLParam(r, "id")

	var active bool
	switch kind {
	case safety.KindPanic:
		p, err := a.svc.GetPanic(r.Context(), id)
		if err != nil {
			a.writeError(w, r, "live panic", err)
			return
		}
		active = p.Active()
	case safety.KindEscort:
		s, err := a.svc.GetEscort(r.Context(), id)
		if err != nil {
			a.writeError(w, r, "live escort", err)
			return
		}
		active = s.Active()
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown stream kind"})
		return
	}
	if !active {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: string(kind) + " " + id + " is not active"})
		return
	}
	a.opts.Live.ServeWS(w, r, kind, id)
}
