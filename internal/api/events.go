package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/h1v3-io/agentdesk/internal/events"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsReadLimit  = 4096
	wsBuffer     = 256
)

// Origins are enforced by the CORS config, not here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and streams lifecycle events as JSON
// text frames. ?ticket_id= narrows to one ticket, ?types= to a comma
// separated list of event types. Clients only send control frames.
func (s *Server) streamEvents(c echo.Context) error {
	if s.broker == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "event stream is not enabled"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	id, ch := s.broker.Subscribe(eventFilter(c.QueryParam("ticket_id"), c.QueryParam("types")), wsBuffer)
	s.logger.Debug("event stream opened", "subscription", id, "remote", c.RealIP())

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, ch, done)

	s.broker.Unsubscribe(id)
	s.logger.Debug("event stream closed", "subscription", id)
	return nil
}

func eventFilter(ticketID, types string) events.Filter {
	var filters []events.Filter
	if ticketID != "" {
		filters = append(filters, events.ForTicket(ticketID))
	}
	if types != "" {
		var list []string
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				list = append(list, t)
			}
		}
		if len(list) > 0 {
			filters = append(filters, events.OfType(list...))
		}
	}
	if len(filters) == 0 {
		return nil
	}
	return func(ev protocol.Event) bool {
		for _, f := range filters {
			if !f(ev) {
				return false
			}
		}
		return true
	}
}

// readPump drains client frames so pongs and close frames are processed.
// It closes done when the connection goes away.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump forwards events and pings until the client leaves or the
// broker closes the subscription.
func (s *Server) writePump(conn *websocket.Conn, ch <-chan protocol.Event, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
