package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/scribe/internal/events"
)

// EventSource is the live job event feed.
type EventSource interface {
	Subscribe(filter events.Filter) (<-chan events.Event, func())
	ReplaySince(lastEventID string, filter events.Filter) []events.Event
}

type EventsHandler struct {
	live      EventSource
	keepalive time.Duration
	upgrader  websocket.Upgrader
}

// NewEventsHandler serves the SSE and WebSocket feeds. WebSocket upgrades
// are accepted from the same origins as CORS requests.
func NewEventsHandler(live EventSource, origins []string) *EventsHandler {
	return &EventsHandler{
		live:      live,
		keepalive: 15 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || originAllowed(origins, origin)
			},
		},
	}
}

// StreamEvents opens an SSE connection and pushes job lifecycle events,
// optionally filtered by ?types=completed,failed and ?job_id=.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "event streaming not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter := events.Filter{Types: QueryStringList(r, "types")}
	if v, ok := QueryString(r, "job_id"); ok {
		filter.JobID = v
	}

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing published in between is lost;
	// a duplicate across the seam is possible and carries the same id.
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	w.WriteHeader(http.StatusOK)
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range h.live.ReplaySince(lastEventID, filter) {
			writeEvent(w, e)
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Str("job_id", filter.JobID).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, event)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e events.Event) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}

// wsMessage is one event as sent over the WebSocket feed.
type wsMessage struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"event_type"`
	JobID     string          `json:"job_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func toWSMessage(e events.Event) wsMessage {
	return wsMessage{ID: e.ID, Type: e.Type, JobID: e.JobID, Timestamp: e.Timestamp, Data: e.Data}
}

// StreamEventsWS is the WebSocket form of StreamEvents. Filters are the
// same; ?last_event_id= replaces the Last-Event-ID header browsers cannot
// set on a WebSocket. Client messages are ignored.
func (h *EventsHandler) StreamEventsWS(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "event streaming not available")
		return
	}

	filter := events.Filter{Types: QueryStringList(r, "types")}
	if v, ok := QueryString(r, "job_id"); ok {
		filter.JobID = v
	}
	lastEventID, _ := QueryString(r, "last_event_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	log := hlog.FromRequest(r)
	log.Info().Str("job_id", filter.JobID).Msg("websocket client connected")

	// Reader: handles pongs and notices the peer going away. The read
	// deadline also replaces whatever the server set before the hijack.
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.keepalive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.keepalive))
	})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e events.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(toWSMessage(e))
	}

	if lastEventID != "" {
		for _, e := range h.live.ReplaySince(lastEventID, filter) {
			if err := send(e); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(h.keepalive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			log.Info().Msg("websocket client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := send(event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events", h.StreamEvents)
	r.Get("/events/ws", h.StreamEventsWS)
}
