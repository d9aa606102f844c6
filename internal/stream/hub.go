package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/metrics"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

const (
	broadcastBuffer  = 256
	subscriberBuffer = 64
)

// Message is the wire form of a fetched item delivered to websocket
// clients. It matches the feed frame shape the push strategy consumes, so
// one engine can feed another.
type Message struct {
	Type      string            `json:"type"`
	Category  market.Category   `json:"category"`
	Data      json.RawMessage   `json:"data"`
	Quality   market.Quality    `json:"quality,omitempty"`
	Source    market.SourceKind `json:"source,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Subscription is an in-process feed for one category. Close releases it.
type Subscription struct {
	C <-chan *market.FetchedItem

	hub      *Hub
	category market.Category
	ch       chan *market.FetchedItem
	once     sync.Once
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.removeSubscription(s)
	})
}

// Hub fans fetched items out to in-process subscribers and websocket
// clients, keyed by category. Slow consumers lose items rather than
// stalling the publisher.
type Hub struct {
	logger  logging.Logger
	metrics *metrics.Metrics

	register   chan *Client
	unregister chan *Client
	broadcast  chan *market.FetchedItem

	mu      sync.RWMutex
	clients map[*Client]bool
	subs    map[market.Category]map[*Subscription]bool
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewHub creates a stream hub.
func NewHub(logger logging.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:     logger,
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *market.FetchedItem, broadcastBuffer),
		clients:    make(map[*Client]bool),
		subs:       make(map[market.Category]map[*Subscription]bool),
	}
}

// Start launches the hub's fan-out loop.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.stopCh = make(chan struct{})
	h.wg.Add(1)
	go h.run()
}

// Stop halts fan-out and disconnects every websocket client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	close(h.stopCh)
	h.mu.Unlock()
	h.wg.Wait()

	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
		for category := range client.categories {
			h.gaugeCategory(category, -1)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			categories := client.categoryList()
			for category := range client.categories {
				h.gaugeCategory(category, 1)
			}
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.WithFields(logging.Fields{
					"client_count": count,
					"categories":   categories,
				}).Info("Stream client connected")
			}
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for category := range client.categories {
					h.gaugeCategory(category, -1)
				}
			}
			count := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.WithField("client_count", count).Info("Stream client disconnected")
			}
		case item := <-h.broadcast:
			h.deliver(item)
		}
	}
}

// Publish hands an item to the fan-out loop. It never blocks; when the
// loop is saturated the item is dropped and counted.
func (h *Hub) Publish(item *market.FetchedItem) {
	if item == nil {
		return
	}
	select {
	case h.broadcast <- item:
	default:
		h.countMessage(item.Category, "dropped")
		if h.logger != nil {
			h.logger.WithField("category", string(item.Category)).Warn("Broadcast queue full, dropping item")
		}
	}
}

// Subscribe opens an in-process feed for a category.
func (h *Hub) Subscribe(category market.Category) *Subscription {
	sub := &Subscription{
		hub:      h,
		category: category,
		ch:       make(chan *market.FetchedItem, subscriberBuffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	set, ok := h.subs[category]
	if !ok {
		set = make(map[*Subscription]bool)
		h.subs[category] = set
	}
	set[sub] = true
	h.gaugeCategory(category, 1)
	h.mu.Unlock()
	return sub
}

func (h *Hub) removeSubscription(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.category]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.category)
		}
		h.gaugeCategory(sub.category, -1)
	}
	h.mu.Unlock()
	close(sub.ch)
}

// deliver fans one item out. In-process subscribers and clients that
// cannot keep up are skipped, a stalled websocket client is dropped.
func (h *Hub) deliver(item *market.FetchedItem) {
	frame, err := json.Marshal(Message{
		Type:      "market_data",
		Category:  item.Category,
		Data:      item.Payload,
		Quality:   item.Quality,
		Source:    item.Source,
		Timestamp: item.Timestamp,
	})
	if err != nil {
		if h.logger != nil {
			h.logger.WithError(err).Error("Failed to marshal stream frame")
		}
		return
	}

	// Full lock: stalled clients are removed during fan-out.
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[item.Category] {
		select {
		case sub.ch <- item:
			h.countMessage(item.Category, "delivered")
		default:
			h.countMessage(item.Category, "dropped")
		}
	}

	for client := range h.clients {
		if !client.subscribed(item.Category) {
			continue
		}
		select {
		case client.send <- frame:
			h.countMessage(item.Category, "delivered")
		default:
			close(client.send)
			delete(h.clients, client)
			for category := range client.categories {
				h.gaugeCategory(category, -1)
			}
			if h.logger != nil {
				h.logger.Warn("Stream client too slow, dropping connection")
			}
		}
	}
}

// done exposes the current stop channel so client pumps can abandon their
// unregister handshake when the hub is already shutting down.
func (h *Hub) done() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stopCh
}

// Stats reports subscriber counts for the observability snapshot.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	categories := make(map[string]int)
	for category, set := range h.subs {
		categories[string(category)] += len(set)
	}
	for client := range h.clients {
		for category := range client.categories {
			categories[string(category)]++
		}
	}
	return map[string]interface{}{
		"total_clients":          len(h.clients),
		"category_subscriptions": categories,
	}
}

func (h *Hub) countMessage(category market.Category, direction string) {
	if h.metrics == nil || h.metrics.StreamMessages == nil {
		return
	}
	h.metrics.StreamMessages.WithLabelValues(string(category), direction).Inc()
}

// gaugeCategory moves the per-category subscriber gauge as members come
// and go. Callers hold h.mu when iterating client category sets.
func (h *Hub) gaugeCategory(category market.Category, delta float64) {
	if h.metrics == nil || h.metrics.StreamSubscribers == nil {
		return
	}
	h.metrics.StreamSubscribers.WithLabelValues(string(category)).Add(delta)
}
