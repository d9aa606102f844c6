package failover

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/metrics"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

// SourceID names a data provider.
type SourceID string

// Policy is how a source reacts to a qualifying failure streak.
type Policy string

const (
	// PolicyImmediate degrades on the failure that reaches the threshold.
	PolicyImmediate Policy = "immediate"
	// PolicyDelayed arms a confirmation at the threshold; the next failure
	// confirms the degradation, a success disarms it.
	PolicyDelayed Policy = "delayed"
	// PolicyGradual lowers the source's effective quality one grade per
	// failure past the threshold instead of degrading it, flooring at poor.
	PolicyGradual Policy = "gradual"
	// PolicyManual only flags the source; an operator acts on it.
	PolicyManual Policy = "manual"
)

func (p Policy) Valid() bool {
	switch p {
	case PolicyImmediate, PolicyDelayed, PolicyGradual, PolicyManual:
		return true
	}
	return false
}

const (
	defaultDegradationThreshold = 3
	defaultRecoveryThreshold    = 2
	defaultCheckInterval        = 15 * time.Second
)

// ErrUnknownSource is returned for operations on an unregistered source.
var ErrUnknownSource = errors.New("unknown source")

// Definition is a source's static configuration.
type Definition struct {
	ID                   SourceID    `json:"id"`
	Name                 string      `json:"name,omitempty"`
	Tier                 market.Tier `json:"tier"`
	DegradationThreshold int         `json:"degradation_threshold"`
	RecoveryThreshold    int         `json:"recovery_threshold"`
	Policy               Policy      `json:"policy"`
}

// State is a source's mutable health.
type State struct {
	Available            bool           `json:"available"`
	Active               bool           `json:"active"`
	ConsecutiveSuccesses int            `json:"consecutive_successes"`
	ConsecutiveFailures  int            `json:"consecutive_failures"`
	Degraded             bool           `json:"degraded"`
	EffectiveQuality     market.Quality `json:"effective_quality"`
	LastOutcomeAt        time.Time      `json:"last_outcome_at,omitempty"`
}

// SourceView is a snapshot of one source for observability.
type SourceView struct {
	Definition
	State
}

type source struct {
	def   Definition
	state State
	seq   int

	// armed marks a delayed-policy source awaiting its confirming failure;
	// flagged marks a manual-policy source awaiting an operator.
	armed   bool
	flagged bool
}

// healthy sources are eligible to hold active.
func (s *source) healthy() bool {
	return s.state.Available && !s.state.Degraded
}

// degradedLike covers every started-degradation variant that needs an
// ending event: the degraded flag, a manual attention flag, or a lowered
// effective quality on a gradual source.
func (s *source) degradedLike() bool {
	return s.state.Degraded || s.flagged || s.state.EffectiveQuality != market.QualityExcellent
}

// Config tunes the failover manager.
type Config struct {
	// CheckInterval is the periodic health evaluation cadence.
	CheckInterval time.Duration
	// EventCap bounds the degradation event history.
	EventCap int
	Clock    clock.Clock
	Logger   logging.Logger
	Metrics  *metrics.Metrics
}

// Manager owns prioritized source definitions, flips them degraded and
// recovered from consecutive outcome streaks, and keeps the best healthy
// source active. Exactly one source is active at a time.
type Manager struct {
	clk           clock.Clock
	logger        logging.Logger
	metrics       *metrics.Metrics
	checkInterval time.Duration
	events        *eventRing

	mu       sync.Mutex
	sources  map[SourceID]*source
	order    []SourceID
	activeID SourceID
	// pinned holds the active source against tier upgrades after a manual
	// switch, until the pinned source itself turns unhealthy.
	pinned  bool
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a failover manager.
func NewManager(cfg Config) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{
		clk:           cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		checkInterval: cfg.CheckInterval,
		events:        newEventRing(cfg.EventCap),
		sources:       make(map[SourceID]*source),
	}
}

// Register adds a source. The first registered source becomes active; later
// upgrades are handled by the evaluation loop.
func (m *Manager) Register(def Definition) error {
	if def.ID == "" {
		return &market.ConfigError{Field: "source.id", Reason: "must not be empty"}
	}
	if def.Tier == "" {
		def.Tier = market.TierMedium
	}
	if !def.Tier.Valid() {
		return &market.ConfigError{Field: "source.tier", Reason: fmt.Sprintf("unknown tier %q", def.Tier)}
	}
	if def.Policy == "" {
		def.Policy = PolicyImmediate
	}
	if !def.Policy.Valid() {
		return &market.ConfigError{Field: "source.policy", Reason: fmt.Sprintf("unknown policy %q", def.Policy)}
	}
	if def.DegradationThreshold <= 0 {
		def.DegradationThreshold = defaultDegradationThreshold
	}
	if def.RecoveryThreshold <= 0 {
		def.RecoveryThreshold = defaultRecoveryThreshold
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sources[def.ID]; exists {
		return &market.ConfigError{Field: "source.id", Reason: fmt.Sprintf("%q already registered", def.ID)}
	}
	src := &source{
		def: def,
		state: State{
			Available:        true,
			EffectiveQuality: market.QualityExcellent,
		},
		seq: len(m.order),
	}
	m.sources[def.ID] = src
	m.order = append(m.order, def.ID)
	if m.activeID == "" {
		src.state.Active = true
		m.activeID = def.ID
	}
	m.reportHealth(src)
	return nil
}

// Start launches the periodic health evaluation loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	ticker := m.clk.Ticker(m.checkInterval)
	m.evaluateLocked("startup")
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ticker)
}

// Stop halts the evaluation loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ticker *clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.evaluateLocked("health_check")
			m.mu.Unlock()
		}
	}
}

// RecordOutcome folds one fetch result into a source's streaks and runs the
// policy state machine.
func (m *Manager) RecordOutcome(id SourceID, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	src.state.LastOutcomeAt = m.clk.Now()
	if success {
		m.recordSuccessLocked(src)
	} else {
		m.recordFailureLocked(src)
	}
	return nil
}

func (m *Manager) recordSuccessLocked(src *source) {
	src.state.ConsecutiveFailures = 0
	src.armed = false
	src.state.ConsecutiveSuccesses++

	if !src.degradedLike() || src.state.ConsecutiveSuccesses < src.def.RecoveryThreshold {
		return
	}

	src.state.ConsecutiveSuccesses = 0
	src.state.Degraded = false
	src.flagged = false
	src.state.EffectiveQuality = market.QualityExcellent
	m.appendEventLocked(Event{
		Type:        EventSourceRecovered,
		SourceID:    src.def.ID,
		Description: fmt.Sprintf("recovered after %d consecutive successes", src.def.RecoveryThreshold),
	})
	m.appendEventLocked(Event{
		Type:        EventDegradationEnded,
		SourceID:    src.def.ID,
		Description: "degradation ended",
	})
	m.reportHealth(src)
	if m.logger != nil {
		m.logger.WithField("source", string(src.def.ID)).Info("Source recovered")
	}

	// A recovered high-tier source reclaims active from a lower one.
	m.evaluateLocked("recovery")
}

func (m *Manager) recordFailureLocked(src *source) {
	src.state.ConsecutiveSuccesses = 0
	src.state.ConsecutiveFailures++

	if src.state.Degraded {
		return
	}
	if src.state.ConsecutiveFailures < src.def.DegradationThreshold {
		return
	}

	switch src.def.Policy {
	case PolicyImmediate:
		m.degradeLocked(src, "failure threshold reached")
	case PolicyDelayed:
		if !src.armed {
			src.armed = true
			if m.logger != nil {
				m.logger.WithFields(logging.Fields{
					"source":   string(src.def.ID),
					"failures": src.state.ConsecutiveFailures,
				}).Warn("Source degradation suspected, awaiting confirmation")
			}
			return
		}
		src.armed = false
		m.degradeLocked(src, "degradation confirmed after grace failure")
	case PolicyGradual:
		was := src.state.EffectiveQuality
		src.state.EffectiveQuality = was.Downgrade()
		if was == market.QualityExcellent {
			m.appendEventLocked(Event{
				Type:        EventDegradationStarted,
				SourceID:    src.def.ID,
				Description: "effective quality lowered",
				Data:        map[string]interface{}{"quality": string(src.state.EffectiveQuality)},
			})
		}
		if m.logger != nil {
			m.logger.WithFields(logging.Fields{
				"source":  string(src.def.ID),
				"quality": string(src.state.EffectiveQuality),
			}).Warn("Source quality lowered")
		}
	case PolicyManual:
		if src.flagged {
			return
		}
		src.flagged = true
		m.appendEventLocked(Event{
			Type:        EventDegradationStarted,
			SourceID:    src.def.ID,
			Description: "failure threshold reached, operator action required",
		})
		if m.logger != nil {
			m.logger.WithField("source", string(src.def.ID)).Warn("Source flagged for operator review")
		}
	}
}

// degradeLocked flips a source degraded exactly once per failure streak.
func (m *Manager) degradeLocked(src *source, description string) {
	src.state.Degraded = true
	m.appendEventLocked(Event{
		Type:        EventDegradationStarted,
		SourceID:    src.def.ID,
		Description: description,
		Data:        map[string]interface{}{"consecutive_failures": src.state.ConsecutiveFailures},
	})
	m.reportHealth(src)
	if m.logger != nil {
		m.logger.WithFields(logging.Fields{
			"source":   string(src.def.ID),
			"failures": src.state.ConsecutiveFailures,
		}).Warn("Source degraded")
	}
	m.evaluateLocked("degradation")
}

// evaluateLocked keeps the best healthy source active: it switches when the
// active source is unhealthy or when a strictly higher-tier healthy source
// exists. Equal-tier healthy sources never displace each other.
func (m *Manager) evaluateLocked(reason string) {
	cur := m.sources[m.activeID]
	if cur != nil && !cur.healthy() {
		m.pinned = false
	}
	best := m.bestLocked()
	if best == nil {
		if cur != nil && !cur.healthy() && m.logger != nil {
			m.logger.Warn("No healthy source available, keeping degraded active source")
		}
		return
	}
	if cur != nil && cur.healthy() && (m.pinned || best.def.Tier.Rank() <= cur.def.Tier.Rank()) {
		return
	}
	if cur == best {
		return
	}
	m.switchLocked(cur, best, reason)
}

func (m *Manager) bestLocked() *source {
	var best *source
	for _, id := range m.order {
		src := m.sources[id]
		if !src.healthy() {
			continue
		}
		if best == nil || src.def.Tier.Rank() > best.def.Tier.Rank() {
			best = src
		}
	}
	return best
}

func (m *Manager) switchLocked(from, to *source, reason string) {
	fromID := SourceID("")
	if from != nil {
		from.state.Active = false
		fromID = from.def.ID
	}
	to.state.Active = true
	m.activeID = to.def.ID

	m.appendEventLocked(Event{
		Type:        EventSourceSwitched,
		SourceID:    to.def.ID,
		Description: fmt.Sprintf("active source switched from %q to %q", fromID, to.def.ID),
		Data:        map[string]interface{}{"from": string(fromID), "reason": reason},
	})
	if m.logger != nil {
		m.logger.WithFields(logging.Fields{
			"from":   string(fromID),
			"to":     string(to.def.ID),
			"reason": reason,
		}).Info("Active source switched")
	}
}

// ManualSwitch activates a source by operator decision, regardless of its
// health.
func (m *Manager) ManualSwitch(id SourceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	if m.activeID == id {
		return nil
	}
	m.appendEventLocked(Event{
		Type:        EventManualOverride,
		SourceID:    id,
		Description: "manual source activation",
	})
	m.switchLocked(m.sources[m.activeID], src, "manual")
	m.pinned = true
	return nil
}

// ResetCounters clears a source's streaks and degradation state.
func (m *Manager) ResetCounters(id SourceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	wasDegraded := src.degradedLike()
	src.state.ConsecutiveSuccesses = 0
	src.state.ConsecutiveFailures = 0
	src.state.Degraded = false
	src.armed = false
	src.flagged = false
	src.state.EffectiveQuality = market.QualityExcellent

	m.appendEventLocked(Event{
		Type:        EventManualOverride,
		SourceID:    id,
		Description: "counters reset by operator",
	})
	if wasDegraded {
		m.appendEventLocked(Event{
			Type:        EventDegradationEnded,
			SourceID:    id,
			Description: "degradation cleared by operator",
		})
	}
	m.reportHealth(src)
	return nil
}

// SetAvailable marks a source usable or unusable for selection.
func (m *Manager) SetAvailable(id SourceID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	if src.state.Available == available {
		return nil
	}
	src.state.Available = available
	m.reportHealth(src)
	m.evaluateLocked("availability_change")
	return nil
}

// ActiveID returns the currently active source, or empty when none is
// registered.
func (m *Manager) ActiveID() SourceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Active returns a snapshot of the active source.
func (m *Manager) Active() (SourceView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[m.activeID]
	if !ok {
		return SourceView{}, false
	}
	return SourceView{Definition: src.def, State: src.state}, true
}

// Snapshot returns every source in registration order.
func (m *Manager) Snapshot() []SourceView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SourceView, 0, len(m.order))
	for _, id := range m.order {
		src := m.sources[id]
		out = append(out, SourceView{Definition: src.def, State: src.state})
	}
	return out
}

// Events returns the degradation audit history, oldest first.
func (m *Manager) Events() []Event {
	return m.events.all()
}

func (m *Manager) appendEventLocked(ev Event) {
	ev.Timestamp = m.clk.Now()
	m.events.append(ev)
	if m.metrics != nil && m.metrics.SourceEvents != nil {
		m.metrics.SourceEvents.WithLabelValues(string(ev.SourceID), string(ev.Type)).Inc()
	}
}

func (m *Manager) reportHealth(src *source) {
	if m.metrics == nil || m.metrics.SourceHealthy == nil {
		return
	}
	v := 0.0
	if src.healthy() {
		v = 1.0
	}
	m.metrics.SourceHealthy.WithLabelValues(string(src.def.ID)).Set(v)
}
