package safetyapi

import (
	"net/http"
)

func (a *API) handleStartEscort(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decode(w, r, &req) {
		return
	}
	ack, err := a.svc.StartEscort(r.Context(), actorOf(r).ID, req.coordinate())
	if err != nil {
		a.writeError(w, r, "start escort", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (a *API) handleEscortLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := a.svc.AppendEscortLocation(r.Context(), actorOf(r).ID, req.coordinate())
	if err != nil {
		a.writeError(w, r, "append escort location", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleStopEscort(w http.ResponseWriter, r *http.Request) {
	s, err := a.svc.StopEscort(r.Context(), actorOf(r).ID)
	if err != nil {
		a.writeError(w, r, "stop escort", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
