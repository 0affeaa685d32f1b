package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon binds to loopback for a local UI; origin checks belong to
	// the CORS configuration, not the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventsHandler streams UI events over a websocket. Each connection gets
// its own subscription; a slow consumer drops events rather than stalling
// the control plane.
func eventsHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return
		}
		events, cancel := svc.Subscribe()
		defer cancel()
		defer conn.Close()

		ctx, stop := joinContexts(serverBaseCtx, r.Context())
		defer stop()

		// Reader goroutine: the UI never sends data frames, but reading is
		// required to process close and pong frames.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					stop()
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
		}
	}
}
