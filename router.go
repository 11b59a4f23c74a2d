package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/CompuzettaRadios/offline-cache/clients"
	"github.com/CompuzettaRadios/offline-cache/control"
	"github.com/CompuzettaRadios/offline-cache/notify"
	dispatch "github.com/CompuzettaRadios/offline-cache/pkg/event-dispatch"
	"github.com/CompuzettaRadios/offline-cache/pkg/metrics"
)

const maxControlBodyBytes = 64 << 10

// Status is the body of the status endpoint.
type Status struct {
	State    string          `json:"state"`
	Version  string          `json:"version"`
	Versions []string        `json:"versions"`
	Entries  int             `json:"entries"`
	Clients  int             `json:"clients"`
	Latency  []metrics.Stats `json:"latency"`
}

// Router returns the handler for all traffic: the control plane under the control prefix
// and the offline cache for everything else.
func (a *OfflineCache) Router() http.Handler {
	r := chi.NewRouter()
	r.Route(a.controlPrefix, func(r chi.Router) {
		r.Post("/message", control.Handler(a.deliverMessage, a.log))
		r.Post("/push", a.handlePush)
		r.Get("/notifications", a.handleListNotifications)
		r.Post("/notifications/click", a.handleNotificationClick)
		r.Post("/notifications/close", a.handleNotificationClose)
		r.Post("/clients", a.handleRegisterClient)
		r.Delete("/clients/{id}", a.handleUnregisterClient)
		r.Get("/clients/{id}/commands", a.handleClientCommands)
		r.Get("/status", a.handleStatus)
	})
	r.Handle("/*", a)
	r.NotFound(a.ServeHTTP)
	return r
}

func (a *OfflineCache) deliverMessage(ctx context.Context, msg control.Message) error {
	return a.dispatcher.Dispatch(ctx, dispatch.Event{Type: dispatch.Message, Payload: msg})
}

func (a *OfflineCache) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBodyBytes))
	if err != nil {
		http.Error(w, "Could not read push payload", http.StatusBadRequest)
		return
	}
	if err := a.dispatcher.Dispatch(r.Context(), dispatch.Event{Type: dispatch.Push, Payload: data}); err != nil {
		http.Error(w, "Could not show notification", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *OfflineCache) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.feed.List())
}

func (a *OfflineCache) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var click notify.Click
	if !readJSON(w, r, &click) {
		return
	}
	if err := a.dispatcher.Dispatch(r.Context(), dispatch.Event{Type: dispatch.NotificationClick, Payload: click}); err != nil {
		http.Error(w, "Could not handle notification click", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *OfflineCache) handleNotificationClose(w http.ResponseWriter, r *http.Request) {
	var n notify.Notification
	if !readJSON(w, r, &n) {
		return
	}
	a.dispatcher.Dispatch(r.Context(), dispatch.Event{Type: dispatch.NotificationClose, Payload: n})
	w.WriteHeader(http.StatusNoContent)
}

func (a *OfflineCache) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.URL == "" {
		body.URL = r.Header.Get("Referer")
	}
	if u, err := url.Parse(body.URL); err != nil || !u.IsAbs() || u.Host == "" {
		http.Error(w, "Client URL must be absolute", http.StatusBadRequest)
		return
	}
	c, err := a.clients.Register(body.URL)
	if err != nil {
		http.Error(w, "Invalid client URL", http.StatusBadRequest)
		return
	}
	a.learnPublicURL(r)
	writeJSON(w, http.StatusCreated, c)
}

func (a *OfflineCache) handleUnregisterClient(w http.ResponseWriter, r *http.Request) {
	if !a.clients.Unregister(chi.URLParam(r, "id")) {
		http.Error(w, clients.ErrUnknownClient.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *OfflineCache) handleClientCommands(w http.ResponseWriter, r *http.Request) {
	commands, err := a.clients.Commands(chi.URLParam(r, "id"))
	if errors.Is(err, clients.ErrUnknownClient) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, commands)
}

func (a *OfflineCache) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		State:   a.State().String(),
		Version: a.stores.Current(),
		Clients: len(a.clients.MatchAll()),
		Latency: a.Stats(),
	}
	versions, err := a.stores.ListVersions()
	if err != nil {
		a.log.Warn().Err(err).Msg("Could not list cache versions")
	}
	status.Versions = versions
	// the store only exists once the install started
	if s := a.State(); s != Unregistered && s != Redundant {
		if store := a.openStore(); store != nil {
			if keys, err := store.Keys(); err == nil {
				status.Entries = len(keys)
			}
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBodyBytes))
	if err != nil {
		http.Error(w, "Could not read body", http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Malformed JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
