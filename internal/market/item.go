package market

import (
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// SourceKind names the mechanism that produced an item.
type SourceKind string

const (
	SourcePush     SourceKind = "push"
	SourcePoll     SourceKind = "poll"
	SourceOnDemand SourceKind = "ondemand"
	SourceCache    SourceKind = "cache"
)

// FetchedItem is one acquired payload. Items are immutable after creation;
// newer data replaces rather than edits.
type FetchedItem struct {
	ID        string          `json:"id"`
	Category  Category        `json:"category"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Quality   Quality         `json:"quality"`
	Source    SourceKind      `json:"source"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// NewItem builds an item for a freshly acquired payload.
func NewItem(category Category, payload json.RawMessage, quality Quality, source SourceKind) *FetchedItem {
	return &FetchedItem{
		ID:        uuid.New().String(),
		Category:  category,
		Payload:   payload,
		Timestamp: time.Now(),
		Quality:   quality,
		Source:    source,
	}
}

// WithExpiry returns a copy carrying an absolute expiry.
func (it *FetchedItem) WithExpiry(at time.Time) *FetchedItem {
	out := *it
	out.ExpiresAt = &at
	return &out
}

// Expired reports whether the item carries an expiry that has passed.
func (it *FetchedItem) Expired(now time.Time) bool {
	return it.ExpiresAt != nil && now.After(*it.ExpiresAt)
}

// PayloadHash fingerprints the payload for change detection.
func (it *FetchedItem) PayloadHash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write(it.Payload)
	return h.Sum64()
}
