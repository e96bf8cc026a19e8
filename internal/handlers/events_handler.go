package handlers

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chemdrive/internal/models"
	"chemdrive/internal/service"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
)

// Dashboard and API share the origin; other origins are refused.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// EventMessage is one drive event as sent on the stream. State events carry
// their presentation.
type EventMessage struct {
	models.Event
	Presentation *Presentation `json:"presentation,omitempty"`
}

func eventMessage(ev models.Event) EventMessage {
	msg := EventMessage{Event: ev}
	if ev.Kind == models.EventState {
		p := Present(ev.State)
		msg.Presentation = &p
	}
	return msg
}

type EventsHandler struct {
	drive *service.Drive
}

func NewEventsHandler(drive *service.Drive) *EventsHandler {
	return &EventsHandler{drive: drive}
}

// Stream upgrades to a websocket and forwards every drive event. A client
// that cannot keep up loses events rather than slowing the loop down.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	events := make(chan models.Event, eventBuffer)
	var dropped atomic.Int64
	cancel := h.drive.Subscribe(func(ev models.Event) {
		select {
		case events <- ev:
		default:
			dropped.Add(1)
		}
	})
	defer func() {
		cancel()
		if n := dropped.Load(); n > 0 {
			slog.DebugContext(r.Context(), "slow event stream client", "dropped", n)
		}
	}()

	// The server read deadline survives the hijack; pongs push it forward.
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-events:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(eventMessage(ev)); err != nil {
				slog.DebugContext(r.Context(), "event stream closed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
