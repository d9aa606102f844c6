package push

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/strategy"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxFrameBytes    = 4 << 20
	initialBackoff   = time.Second
	maxBackoff       = 30 * time.Second
	subscriberBuffer = 64
)

// feedMessage is one frame from the provider feed.
type feedMessage struct {
	Type      string          `json:"type"`
	Category  market.Category `json:"category"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscribeRequest asks the feed for a set of categories.
type subscribeRequest struct {
	Action     string            `json:"action"`
	Categories []market.Category `json:"categories"`
}

// Config configures the push feed strategy.
type Config struct {
	Name       string
	URL        string
	Priority   int
	Categories []market.Category
	Dialer     *websocket.Dialer
	Logger     logging.Logger
}

// Strategy holds a websocket subscription to a provider feed, re-dialing
// with exponential backoff when the connection drops.
type Strategy struct {
	name       string
	url        string
	priority   int
	categories []market.Category
	dialer     *websocket.Dialer
	logger     logging.Logger

	mu         sync.RWMutex
	started    bool
	connected  bool
	conn       *websocket.Conn
	latest     map[market.Category]*market.FetchedItem
	subs       map[market.Category]chan *market.FetchedItem
	lastErr    error
	lastMsg    time.Time
	reconnects int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a push strategy.
func New(cfg Config) *Strategy {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Strategy{
		name:       cfg.Name,
		url:        cfg.URL,
		priority:   cfg.Priority,
		categories: cfg.Categories,
		dialer:     dialer,
		logger:     cfg.Logger,
		latest:     make(map[market.Category]*market.FetchedItem),
		subs:       make(map[market.Category]chan *market.FetchedItem),
	}
}

// Descriptor returns the routing descriptor for this strategy.
func (s *Strategy) Descriptor() strategy.Descriptor {
	return strategy.Descriptor{
		Name:       s.name,
		Kind:       market.SourcePush,
		Priority:   s.priority,
		Categories: s.categories,
	}
}

// Fetch returns the most recent pushed payload for the category. Push is
// passive: there is nothing to request, only the feed's latest state.
func (s *Strategy) Fetch(_ context.Context, category market.Category, _ market.Params) (*market.FetchedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, market.NewFetchError(category, market.ReasonClosed, errors.New("strategy not serving"))
	}
	if !s.connected {
		return nil, market.NewFetchError(category, market.ReasonClosed, errors.New("feed disconnected"))
	}
	item, ok := s.latest[category]
	if !ok {
		return nil, market.NewFetchError(category, market.ReasonUpstream, errors.New("no pushed payload yet"))
	}
	return item, nil
}

// Stream returns the live feed channel for a category.
func (s *Strategy) Stream(category market.Category) <-chan *market.FetchedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subs[category]
	if !ok {
		ch = make(chan *market.FetchedItem, subscriberBuffer)
		s.subs[category] = ch
	}
	return ch
}

func (s *Strategy) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && s.connected
}

func (s *Strategy) Start(context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	if s.logger != nil {
		s.logger.WithFields(logging.Fields{
			"strategy": s.name,
			"url":      s.url,
		}).Info("Push strategy started")
	}
	return nil
}

func (s *Strategy) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Strategy) Health() strategy.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := strategy.Health{
		Connected:   s.connected,
		LastSuccess: s.lastMsg,
		Extra: map[string]string{
			"reconnects": strconv.Itoa(s.reconnects),
		},
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	return h
}

// run dials, subscribes, and pumps until stopped, widening the redial delay
// on consecutive failures.
func (s *Strategy) run() {
	defer s.wg.Done()
	backoff := initialBackoff

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn, _, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			s.setDisconnected(err)
			if s.logger != nil {
				s.logger.WithFields(logging.Fields{
					"strategy": s.name,
					"backoff":  backoff,
				}).WithError(err).Warn("Feed dial failed")
			}
			select {
			case <-time.After(backoff):
			case <-s.stopCh:
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if err := s.subscribe(conn); err != nil {
			_ = conn.Close()
			s.setDisconnected(err)
			select {
			case <-time.After(backoff):
			case <-s.stopCh:
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if !s.setConnected(conn) {
			return
		}

		stopPing := make(chan struct{})
		s.wg.Add(1)
		go s.pingLoop(conn, stopPing)

		connectedAt := time.Now()
		s.readPump(conn)
		close(stopPing)

		select {
		case <-s.stopCh:
			return
		default:
		}

		// A link that delivered data gets an immediate redial. One that
		// died before the first frame backs off so a flapping provider
		// is not hammered.
		if s.receivedSince(connectedAt) {
			backoff = initialBackoff
			continue
		}
		select {
		case <-time.After(backoff):
		case <-s.stopCh:
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Strategy) subscribe(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(subscribeRequest{
		Action:     "subscribe",
		Categories: s.categories,
	})
}

func (s *Strategy) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				if s.logger != nil {
					s.logger.WithError(err).Warn("Feed connection error")
				}
			}
			s.setDisconnected(err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg feedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			if s.logger != nil {
				s.logger.WithError(err).Warn("Invalid feed frame")
			}
			continue
		}
		if msg.Category == "" || len(msg.Data) == 0 {
			continue
		}

		item := market.NewItem(msg.Category, msg.Data, market.QualityExcellent, market.SourcePush)
		if !msg.Timestamp.IsZero() {
			item.Timestamp = msg.Timestamp
		}
		s.deliver(item)
	}
}

func (s *Strategy) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Strategy) deliver(item *market.FetchedItem) {
	s.mu.Lock()
	s.latest[item.Category] = item
	s.lastMsg = time.Now()
	ch := s.subs[item.Category]
	s.mu.Unlock()

	if ch == nil {
		return
	}
	// Slow subscribers lose frames rather than stalling the pump.
	select {
	case ch <- item:
	default:
	}
}

// setConnected stores the live connection. It refuses the connection when
// Stop already ran, so a dial that raced shutdown cannot leak.
func (s *Strategy) setConnected(conn *websocket.Conn) bool {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.conn = conn
	s.connected = true
	s.lastErr = nil
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.WithField("strategy", s.name).Info("Feed connected")
	}
	return true
}

func (s *Strategy) receivedSince(t time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMsg.After(t)
}

func (s *Strategy) setDisconnected(err error) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.conn = nil
	s.lastErr = err
	if wasConnected {
		s.reconnects++
	}
	s.mu.Unlock()
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
