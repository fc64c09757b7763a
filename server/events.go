package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// events streams broadcast messages to one UI client as Server-Sent Events.
// Every event carries the {type, data} envelope as its data.
func (s *server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	client, disconnect := s.hub.Connect()
	defer disconnect()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": client %s\n\n", client.ID)
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-client.Messages:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Error().Err(err).Str("type", msg.Type).Msg("Could not encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
			flusher.Flush()
		}
	}
}
