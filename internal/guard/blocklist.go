package guard

import (
	"sync"
	"time"
)

// BlockReason records why a block was placed, for audit purposes. Automatic
// and manual blocks share the same table and expiry semantics.
type BlockReason string

const (
	ReasonAutomaticExceeded   BlockReason = "automatic_exceeded"
	ReasonAutomaticSuspicious BlockReason = "automatic_suspicious"
	ReasonManual              BlockReason = "manual"
)

// BlockRecord gates all requests for a (scope type, identifier) pair until it
// expires, independent of any counting window.
type BlockRecord struct {
	ScopeType          ScopeType   `json:"scope_type"`
	Identifier         string      `json:"-"`
	BlockedUntil       time.Time   `json:"blocked_until"`
	Reason             BlockReason `json:"reason"`
	TriggeringScopeKey string      `json:"triggering_scope_key,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Blocklist holds manual and automatic blocks keyed by (scope type, identifier).
type Blocklist struct {
	mu     sync.Mutex
	blocks map[string]*BlockRecord
	now    func() time.Time
}

// NewBlocklist creates an empty blocklist.
func NewBlocklist() *Blocklist {
	return &Blocklist{
		blocks: make(map[string]*BlockRecord),
		now:    time.Now,
	}
}

func blockKey(st ScopeType, identifier string) string {
	return string(st) + "|" + identifier
}

// Lookup returns the active block for the pair, if any. An expired record is
// lazily deleted; blocks are not sticky past their expiry.
func (b *Blocklist) Lookup(st ScopeType, identifier string) (*BlockRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := blockKey(st, identifier)
	rec, ok := b.blocks[key]
	if !ok {
		return nil, false
	}
	if !b.now().Before(rec.BlockedUntil) {
		delete(b.blocks, key)
		return nil, false
	}
	return rec, true
}

// Block places or replaces a block on the pair for the given duration.
func (b *Blocklist) Block(st ScopeType, identifier string, reason BlockReason, d time.Duration, triggeringScopeKey string) *BlockRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	rec := &BlockRecord{
		ScopeType:          st,
		Identifier:         identifier,
		BlockedUntil:       now.Add(d),
		Reason:             reason,
		TriggeringScopeKey: triggeringScopeKey,
		CreatedAt:          now,
	}
	b.blocks[blockKey(st, identifier)] = rec
	return rec
}

// Unblock removes any block on the pair and reports whether one was present
// and still active.
func (b *Blocklist) Unblock(st ScopeType, identifier string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := blockKey(st, identifier)
	rec, ok := b.blocks[key]
	if !ok {
		return false
	}
	delete(b.blocks, key)
	return b.now().Before(rec.BlockedUntil)
}

// activeCount returns the number of unexpired blocks.
func (b *Blocklist) activeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	n := 0
	for _, rec := range b.blocks {
		if now.Before(rec.BlockedUntil) {
			n++
		}
	}
	return n
}

// sweep deletes expired records and returns how many were removed. Expiry is
// re-checked under the mutation lock, never from a stale snapshot.
func (b *Blocklist) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for key, rec := range b.blocks {
		if !now.Before(rec.BlockedUntil) {
			delete(b.blocks, key)
			removed++
		}
	}
	return removed
}
