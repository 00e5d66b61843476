package main

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyzr/kernel/common/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 25 * time.Second

	// Clients only send pongs, never data
	maxMessageSize = 512
)

// client is one WebSocket connection. Events flow server to client
// only; the read pump exists to handle pongs and detect disconnects.
type client struct {
	hub    *hub
	conn   *websocket.Conn
	userID string
	log    *logger.Logger
	send   chan []byte
}

func newClient(h *hub, conn *websocket.Conn, userID string, log *logger.Logger) *client {
	return &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		log:    log,
		send:   make(chan []byte, 512),
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per event so consumers can parse each JSON
			// document on its own.
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			for i := len(c.send); i > 0; i-- {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
