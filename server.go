package pokeshell

import (
	"encoding/json"
	"io"
	"net/http"
)

// ============================================================================
// Control surface
// ============================================================================

// ControlPrefix is reserved for the layer's own endpoints.
const ControlPrefix = "/__pokeshell/"

// NewServeMux mounts the control endpoints and routes everything else
// through the layer:
//
//	/__pokeshell/clients       view WebSocket (?url=<current view URL>)
//	POST /__pokeshell/message  control message, JSON reply
//	POST /__pokeshell/push     signed push delivery (when webhook != nil)
//	GET  /__pokeshell/status   Status as JSON
func NewServeMux(l *Layer, webhook *PushWebhook) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(ControlPrefix+"clients", l.Hub())
	mux.HandleFunc("POST "+ControlPrefix+"message", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var msg ControlMessage
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid control message"})
			return
		}
		reply, err := l.Messenger().Handle(r.Context(), msg)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if reply == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	})
	if webhook != nil {
		mux.Handle("POST "+ControlPrefix+"push", webhook.HTTPHandler())
	}
	mux.HandleFunc("GET "+ControlPrefix+"status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, l.Status())
	})
	mux.Handle("/", l)
	return mux
}
