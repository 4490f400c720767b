package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/portrelay/relay/internal/model"
)

// InstanceHeader carries the peer's self-chosen process instance ID. The hub
// only journals it.
const InstanceHeader = "X-Relay-Instance"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleConnection upgrades the HTTP request and hands the connection to
// the router.
func (r *Router) HandleConnection(w http.ResponseWriter, req *http.Request) error {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}

	info := model.ConnectionInfo{
		InstanceID: req.Header.Get(InstanceHeader),
		RemoteAddr: req.RemoteAddr,
	}
	_, err = r.Accept(conn, info)
	return err
}

func (r *Router) pingPeriod() time.Duration {
	return (r.opts.PongWait * 9) / 10
}

// readPump forwards inbound frames to the application until the connection
// fails, then runs the close path.
func (r *Router) readPump(client *Client) {
	defer func() {
		r.disconnect(client)
		client.conn.Close()
		r.wg.Done()
	}()

	conn := client.conn
	conn.SetReadLimit(r.opts.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithField("peer", client.id).WithError(err).Warn("WebSocket read failed")
			}
			return
		}

		client.framesIn.Add(1)
		r.emit(Event{Kind: EventMessage, ID: client.id, Payload: string(message)})
	}
}

// writePump is the only writer of the connection: queued frames and pings.
func (r *Router) writePump(client *Client) {
	ticker := time.NewTicker(r.pingPeriod())
	defer func() {
		ticker.Stop()
		client.conn.Close()
		r.wg.Done()
	}()

	conn := client.conn
	for {
		select {
		case message, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
			if !ok {
				// The client was closed.
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// One queued payload per text frame.
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.WithField("peer", client.id).WithError(err).Debug("WebSocket write failed")
				return
			}
			client.framesOut.Add(1)

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
