package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/holdcue/internal/fault"
	"github.com/MrWong99/holdcue/internal/resilience"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/session", a.getSession)
	mux.HandleFunc("POST /v1/session/hold", a.postHold)
	mux.HandleFunc("POST /v1/session/stop", a.postStop)
	mux.HandleFunc("POST /v1/session/retry", a.postRetry)
	mux.HandleFunc("POST /v1/session/prepare", a.postPrepare)
	mux.HandleFunc("PUT /v1/session/auto-restart", a.putAutoRestart)
	mux.HandleFunc("GET /v1/providers", a.getProviders)
	mux.Handle("GET /v1/device", a.link)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return mux
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (a *App) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

// postHold starts a hold. The hold runs asynchronously; its progress is
// visible through GET /v1/session and the device state stream.
func (a *App) postHold(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.HoldPressed()
	writeJSON(w, http.StatusAccepted, a.ctrl.Snapshot())
}

func (a *App) postStop(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.StopAll()
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *App) postRetry(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.Retry()
	writeJSON(w, http.StatusAccepted, a.ctrl.Snapshot())
}

func (a *App) postPrepare(w http.ResponseWriter, r *http.Request) {
	// Holds may be waiting on this attempt, so a client that hangs up must
	// not abort it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), a.prepareTimeout)
	defer cancel()
	if err := a.ctrl.Prepare(ctx); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, fault.ErrPermissionDenied) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, errorBody{Error: fault.UserMessage(err), Kind: fault.KindOf(err).String()})
		return
	}
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *App) putAutoRestart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil || body.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: `body must be {"enabled": true|false}`})
		return
	}
	a.ctrl.SetAutoRestart(*body.Enabled)
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *App) getProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]map[string]string{
		"stt": stateNames(a.stt.States()),
		"tts": stateNames(a.tts.States()),
	})
}

func stateNames(states map[string]resilience.State) map[string]string {
	out := make(map[string]string, len(states))
	for name, s := range states {
		out[name] = s.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
