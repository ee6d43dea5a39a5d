package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn is one viewer. Only writePump writes to ws.
type conn struct {
	id        string
	hub       *Hub
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// guarded by hub.mu
	scopes map[string]struct{}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump handles client frames until the connection fails or goes silent
// for two heartbeat intervals.
func (c *conn) readPump() {
	reason := "closed"
	defer func() {
		c.hub.remove(c, reason)
	}()

	silence := 2 * c.hub.opts.HeartbeatInterval
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(silence))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(silence))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				reason = "timeout"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("client %s read error: %v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(silence))
		c.handle(message)
	}
}

func (c *conn) handle(message []byte) {
	var in inbound
	if err := json.Unmarshal(message, &in); err != nil {
		c.fail(CodeBadJSON, "invalid JSON frame")
		return
	}

	switch in.Type {
	case "hello":
		log.Info("client %s hello: %s", c.id, in.Client)
	case "ping":
		c.hub.send(c, pongFrame{Type: "pong", TS: time.Now().UnixMilli()})
	case "pong":
	case "subscribe", "unsubscribe":
		if err := checkScopes(in.Scopes); err != nil {
			c.fail(CodeBadSubscribe, err.Error())
			return
		}
		if in.Type == "subscribe" {
			c.hub.subscribe(c, in.Scopes)
		} else {
			c.hub.unsubscribe(c, in.Scopes)
		}
	default:
		c.fail(CodeBadType, fmt.Sprintf("unknown message type %q", in.Type))
	}
}

func checkScopes(scopes []string) error {
	if len(scopes) == 0 {
		return errors.New("scopes required")
	}
	for _, s := range scopes {
		if !ValidScope(s) {
			return fmt.Errorf("invalid scope %q", s)
		}
	}
	return nil
}

func (c *conn) fail(code, message string) {
	c.hub.send(c, errorFrame{Type: "error", Code: code, Message: message})
}

// writePump drains the send queue and pings every heartbeat interval.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug("client %s write error: %v", c.id, err)
				c.hub.remove(c, "closed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("client %s ping error: %v", c.id, err)
				c.hub.remove(c, "closed")
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
