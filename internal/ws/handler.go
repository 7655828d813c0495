package ws

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// LocalSessionID is the fiber Locals key the route sets after it has checked
// that the caller owns the session.
const LocalSessionID = "ws_session_id"

// Handler streams session events. current, when set, provides the snapshot
// sent right after the upgrade so a client never starts from a blank state.
func Handler(hub *Hub, current func(uuid.UUID) (interface{}, bool)) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		sessionID, ok := c.Locals(LocalSessionID).(uuid.UUID)
		if !ok || sessionID == uuid.Nil {
			_ = c.Close()
			return
		}

		client := &Client{
			hub:       hub,
			conn:      c,
			sessionID: sessionID,
			send:      make(chan []byte, 256),
		}

		if current != nil {
			if snap, found := current(sessionID); found {
				if msg, err := json.Marshal(Event{
					SessionID: sessionID,
					Type:      EventSessionSnapshot,
					Data:      snap,
					Timestamp: time.Now(),
				}); err == nil {
					client.send <- msg
				}
			}
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = c.Close()
			return
		}

		go client.WritePump()
		client.ReadPump()
	})
}

func UpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}
