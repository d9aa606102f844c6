package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Control messages from peers are small subscription requests.
	maxControlSize = 512

	clientBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket consumer of the stream hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger

	// categories is guarded by hub.mu.
	categories map[market.Category]bool
}

// controlMessage adjusts a client's category subscriptions.
type controlMessage struct {
	Action     string            `json:"action"`
	Categories []market.Category `json:"categories"`
}

func (c *Client) subscribed(category market.Category) bool {
	return c.categories[category]
}

func (c *Client) categoryList() []string {
	out := make([]string, 0, len(c.categories))
	for category := range c.categories {
		out = append(out, string(category))
	}
	return out
}

// ServeWS upgrades an HTTP request into a stream client subscribed to the
// given categories.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, categories ...market.Category) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.WithError(err).Error("Failed to upgrade stream connection")
		}
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, clientBuffer),
		logger:     h.logger,
		categories: make(map[market.Category]bool, len(categories)),
	}
	for _, category := range categories {
		client.categories[category] = true
	}

	select {
	case h.register <- client:
	case <-h.done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// setCategories applies a subscription change under the hub lock.
func (h *Hub) setCategories(c *Client, msg *controlMessage) {
	h.mu.Lock()
	switch msg.Action {
	case "subscribe":
		for _, category := range msg.Categories {
			if !c.categories[category] {
				c.categories[category] = true
				h.gaugeCategory(category, 1)
			}
		}
	case "unsubscribe":
		for _, category := range msg.Categories {
			if c.categories[category] {
				delete(c.categories, category)
				h.gaugeCategory(category, -1)
			}
		}
	}
	current := c.categoryList()
	h.mu.Unlock()

	ack, err := json.Marshal(map[string]interface{}{
		"type":       msg.Action + "_confirmed",
		"categories": current,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- ack:
	default:
	}
}

// readPump consumes subscription requests until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxControlSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if c.logger != nil {
					c.logger.WithError(err).Error("Stream connection error")
				}
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			if c.logger != nil {
				c.logger.WithError(err).Warn("Invalid stream control message")
			}
			continue
		}
		c.hub.setCategories(c, &msg)
	}
}

// writePump pushes frames and pings to the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			// Drain whatever queued up behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
