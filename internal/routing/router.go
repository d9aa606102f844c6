package routing

import (
	"fmt"

	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/metrics"
	"github.com/139QQ/Baostock-sub011/internal/strategy"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
)

// pushNetworkPenalty is subtracted from a push candidate's composite score
// when the network is not realtime-suitable, so a poll candidate of similar
// standing wins without push being excluded outright.
const pushNetworkPenalty = 25.0

// Urgency shifts which tier branch handles a request. The zero value defers
// to the category's own tier.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyLow    Urgency = "low"
)

// RequestContext carries the per-request signals Select weighs.
type RequestContext struct {
	Urgency    Urgency
	Preference market.SourceKind // empty means no pin
	Network    market.NetworkSnapshot
}

type rejectionReason string

const (
	rejectNoneRegistered  rejectionReason = "none_registered"
	rejectAllUnavailable  rejectionReason = "all_unavailable"
	rejectUnknownCategory rejectionReason = "unknown_category"
)

type decisionReason string

const (
	decidePinned           decisionReason = "preference_pinned"
	decideRealtimePush     decisionReason = "realtime_push"
	decideCriticalFallback decisionReason = "critical_fallback"
	decideComposite        decisionReason = "composite_score"
	decidePollScore        decisionReason = "poll_score"
	decideResourceMin      decisionReason = "resource_min"
	decideBestRemaining    decisionReason = "best_remaining"
)

// Config wires the router's collaborators.
type Config struct {
	Strategies *strategy.Registry
	Categories *market.Registry
	Tracker    *Tracker
	Network    market.StatusProvider
	Logger     logging.Logger
	Metrics    *metrics.Metrics
}

// Router picks one strategy per request from availability, network quality,
// tier policy, and tracked performance.
type Router struct {
	strategies *strategy.Registry
	categories *market.Registry
	tracker    *Tracker
	network    market.StatusProvider
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// NewRouter creates a router.
func NewRouter(cfg Config) *Router {
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Router{
		strategies: cfg.Strategies,
		categories: cfg.Categories,
		tracker:    tracker,
		network:    cfg.Network,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// Tracker returns the performance tracker the router scores with.
func (r *Router) Tracker() *Tracker {
	return r.tracker
}

// Select picks the strategy for one request. Selection is deterministic for
// fixed inputs: ties fall to static priority, then registration order.
func (r *Router) Select(category market.Category, rc RequestContext) (*strategy.Registered, error) {
	info, ok := r.categories.Get(category)
	if !ok {
		r.reject(category, rejectUnknownCategory)
		return nil, fmt.Errorf("%w: unknown category %q", market.ErrStrategyUnavailable, category)
	}

	candidates := r.strategies.ForCategory(category)
	if len(candidates) == 0 {
		r.reject(category, rejectNoneRegistered)
		return nil, fmt.Errorf("%w: no strategy serves category %q", market.ErrStrategyUnavailable, category)
	}

	available := make([]*strategy.Registered, 0, len(candidates))
	for _, cand := range candidates {
		if cand.Impl.Available() {
			available = append(available, cand)
		}
	}
	if len(available) == 0 {
		r.reject(category, rejectAllUnavailable)
		return nil, fmt.Errorf("%w: all %d strategies for category %q report unavailable",
			market.ErrStrategyUnavailable, len(candidates), category)
	}

	if rc.Network == (market.NetworkSnapshot{}) && r.network != nil {
		rc.Network = r.network.Snapshot()
	}

	if rc.Preference != "" {
		if pick := r.pickBest(ofKind(available, rc.Preference), r.priorityKey()); pick != nil {
			return r.decide(category, info.Tier, pick, decidePinned, rc), nil
		}
		// No capable match for the pin; fall through to the tier branch.
	}

	tier := effectiveTier(info.Tier, rc.Urgency)

	var pick *strategy.Registered
	var reason decisionReason
	switch tier {
	case market.TierCritical:
		if rc.Network.RealtimeSuitable() {
			if p := r.pickBest(ofKind(available, market.SourcePush), r.scoreKey()); p != nil {
				pick, reason = p, decideRealtimePush
				break
			}
		}
		pick = r.pickBest(ofKinds(available, market.SourceOnDemand, market.SourcePoll), r.priorityKey())
		reason = decideCriticalFallback
	case market.TierHigh:
		pick = r.pickBest(ofKinds(available, market.SourcePoll, market.SourcePush), r.compositeKey(rc.Network))
		reason = decideComposite
	case market.TierMedium:
		if p := r.pickBest(ofKind(available, market.SourcePoll), r.scoreKey()); p != nil {
			pick, reason = p, decidePollScore
			break
		}
		pick = r.pickBest(ofKind(available, market.SourceOnDemand), r.priorityKey())
		reason = decideResourceMin
	case market.TierLow:
		if p := r.pickBest(ofKind(available, market.SourceOnDemand), r.priorityKey()); p != nil {
			pick, reason = p, decideResourceMin
			break
		}
		pick = r.pickBest(ofKind(available, market.SourcePoll), r.priorityKey())
		reason = decideResourceMin
	}

	if pick == nil {
		// The tier's preferred kinds are all absent; take the best of what
		// is actually serving rather than failing a servable request.
		pick = r.pickBest(available, r.compositeKey(rc.Network))
		reason = decideBestRemaining
	}

	return r.decide(category, tier, pick, reason, rc), nil
}

func effectiveTier(tier market.Tier, urgency Urgency) market.Tier {
	switch urgency {
	case UrgencyHigh:
		return market.TierCritical
	case UrgencyLow:
		return market.TierLow
	default:
		return tier
	}
}

// pickBest returns the candidate with the highest key, ties broken by
// static priority then registration order.
func (r *Router) pickBest(cands []*strategy.Registered, key func(*strategy.Registered) float64) *strategy.Registered {
	var best *strategy.Registered
	var bestKey float64
	for _, cand := range cands {
		k := key(cand)
		if best == nil {
			best, bestKey = cand, k
			continue
		}
		if k > bestKey ||
			(k == bestKey && cand.Priority > best.Priority) ||
			(k == bestKey && cand.Priority == best.Priority && cand.Seq < best.Seq) {
			best, bestKey = cand, k
		}
	}
	return best
}

func (r *Router) scoreKey() func(*strategy.Registered) float64 {
	return func(cand *strategy.Registered) float64 {
		return r.tracker.Score(cand.Name)
	}
}

func (r *Router) priorityKey() func(*strategy.Registered) float64 {
	return func(cand *strategy.Registered) float64 {
		return float64(cand.Priority)
	}
}

// compositeKey is raw priority plus tracked score, with push candidates
// penalized on a network that cannot sustain a feed.
func (r *Router) compositeKey(network market.NetworkSnapshot) func(*strategy.Registered) float64 {
	return func(cand *strategy.Registered) float64 {
		composite := float64(cand.Priority) + r.tracker.Score(cand.Name)
		if cand.Kind == market.SourcePush && !network.RealtimeSuitable() {
			composite -= pushNetworkPenalty
		}
		return composite
	}
}

func ofKind(cands []*strategy.Registered, kind market.SourceKind) []*strategy.Registered {
	out := make([]*strategy.Registered, 0, len(cands))
	for _, cand := range cands {
		if cand.Kind == kind {
			out = append(out, cand)
		}
	}
	return out
}

func ofKinds(cands []*strategy.Registered, kinds ...market.SourceKind) []*strategy.Registered {
	out := make([]*strategy.Registered, 0, len(cands))
	for _, cand := range cands {
		for _, kind := range kinds {
			if cand.Kind == kind {
				out = append(out, cand)
				break
			}
		}
	}
	return out
}

func (r *Router) decide(category market.Category, tier market.Tier, pick *strategy.Registered, reason decisionReason, rc RequestContext) *strategy.Registered {
	if r.metrics != nil {
		r.metrics.RoutingDecisions.WithLabelValues(string(category), pick.Name, string(reason)).Inc()
	}
	if r.logger != nil {
		r.logger.WithFields(logging.Fields{
			"category": category,
			"strategy": pick.Name,
			"kind":     pick.Kind,
			"tier":     tier,
			"reason":   reason,
			"score":    r.tracker.Score(pick.Name),
			"urgency":  rc.Urgency,
		}).Debug("Routing decision")
	}
	return pick
}

func (r *Router) reject(category market.Category, reason rejectionReason) {
	if r.metrics != nil {
		r.metrics.RoutingRejections.WithLabelValues(string(category), string(reason)).Inc()
	}
	if r.logger != nil {
		r.logger.WithFields(logging.Fields{
			"category": category,
			"reason":   reason,
		}).Warn("No strategy selected")
	}
}
