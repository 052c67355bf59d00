package relay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// readPump pumps messages from the websocket connection to the relay.
//
// There is at most one reader on a connection; all reads happen from this
// goroutine.
func (r *Relay) readPump(c *client) {

	defer func() {
		r.dropClient(c)
		c.conn.Close()
		log.WithField("connection_id", c.id).Trace("readpump closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {

		_, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.WithFields(log.Fields{"connection_id": c.id, "error": err.Error()}).Debug("readPump error")
			}
			break
		}

		var req request

		if err := json.Unmarshal(data, &req); err != nil {
			log.WithFields(log.Fields{"connection_id": c.id, "error": err.Error()}).Warn("ignoring malformed request")
			continue
		}

		r.handleRequest(c, req)
	}
}

// writePump pumps marshalled frames from the send channel to the websocket
// connection.
//
// There is at most one writer to a connection; all writes happen from this
// goroutine.
func (c *client) writePump() {

	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
		log.WithField("connection_id", c.id).Trace("writepump closed")
	}()

	for {
		select {

		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// sendMsg marshals and queues one message for the client, dropping it if the
// client cannot keep up.
func (c *client) sendMsg(msg outbound) {

	data, err := json.Marshal(msg)
	if err != nil {
		log.WithFields(log.Fields{"connection_id": c.id, "error": err.Error()}).Error("marshalling outbound message")
		return
	}

	c.sendRaw(data)
}

func (c *client) sendRaw(data []byte) {
	select {
	case c.send <- data:
	default:
		log.WithField("connection_id", c.id).Warn("dropping message to unresponsive subscriber")
	}
}
