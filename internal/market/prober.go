package market

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/139QQ/Baostock-sub011/pkg/clients"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

const (
	defaultProbeInterval = 30 * time.Second
	probeTimeout         = 5 * time.Second
)

// ProberConfig configures the latency prober.
type ProberConfig struct {
	URL      string
	Kind     NetworkKind   // transport this process rides on; probing measures latency, not kind
	Metered  bool          // operator-declared; Go cannot observe this portably
	Interval time.Duration // default 30s
	Client   *http.Client
	Logger   logging.Logger
	Clock    clock.Clock
}

// Prober measures round-trip latency against a probe URL on an interval and
// serves the latest snapshot to callers.
type Prober struct {
	url      string
	kind     NetworkKind
	metered  bool
	interval time.Duration
	client   *http.Client
	logger   logging.Logger
	clk      clock.Clock

	mu     sync.RWMutex
	latest NetworkSnapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewProber creates a prober. It reports the configured kind until the first
// probe completes; an unreachable probe URL flips the snapshot to offline.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Client == nil {
		cfg.Client = clients.NewHTTPClient(probeTimeout)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Kind == "" {
		cfg.Kind = NetworkEthernet
	}
	return &Prober{
		url:      cfg.URL,
		kind:     cfg.Kind,
		metered:  cfg.Metered,
		interval: cfg.Interval,
		client:   cfg.Client,
		logger:   cfg.Logger,
		clk:      cfg.Clock,
		latest:   NetworkSnapshot{Kind: cfg.Kind, Metered: cfg.Metered},
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background probe loop.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.run()
	if p.logger != nil {
		p.logger.WithFields(logging.Fields{
			"url":      p.url,
			"interval": p.interval,
		}).Info("Network prober started")
	}
}

// Stop gracefully stops the prober.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	if p.logger != nil {
		p.logger.Info("Network prober stopped")
	}
}

// Snapshot returns the most recent connectivity view.
func (p *Prober) Snapshot() NetworkSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := p.clk.Ticker(p.interval)
	defer ticker.Stop()

	p.probe()

	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.record(NetworkSnapshot{Kind: NetworkOffline})
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.record(NetworkSnapshot{Kind: NetworkOffline})
		return
	}
	defer resp.Body.Close()

	latency := float64(time.Since(start).Milliseconds())
	p.record(NetworkSnapshot{Kind: p.kind, LatencyMs: latency, Metered: p.metered})
}

func (p *Prober) record(snap NetworkSnapshot) {
	p.mu.Lock()
	was := p.latest.Connected()
	p.latest = snap
	p.mu.Unlock()

	if p.logger != nil && was != snap.Connected() {
		p.logger.WithFields(logging.Fields{
			"kind":       snap.Kind,
			"latency_ms": snap.LatencyMs,
		}).Warn("Network connectivity changed")
	}
}
