package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SuspiciousRecord is the audit trail entry for a request that triggered at
// least one pattern. It is never consulted to make blocking decisions.
type SuspiciousRecord struct {
	Key       string    `json:"key"`
	Patterns  []string  `json:"patterns"`
	RiskScore int       `json:"risk_score"`
	Timestamp time.Time `json:"timestamp"`
}

// suspicionRecords retains suspicious records for a bounded window, keyed by
// a stable hash of the request's identifying attributes.
type suspicionRecords struct {
	mu        sync.Mutex
	records   map[string]*SuspiciousRecord
	retention time.Duration
	now       func() time.Time
}

func newSuspicionRecords(retention time.Duration) *suspicionRecords {
	return &suspicionRecords{
		records:   make(map[string]*SuspiciousRecord),
		retention: retention,
		now:       time.Now,
	}
}

// recordFingerprint derives the stable record key from the request's
// identifying attributes.
func recordFingerprint(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Address))
	h.Write([]byte{0})
	h.Write([]byte(req.IdentityID))
	h.Write([]byte{0})
	h.Write([]byte(req.DeviceFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(req.Path))
	return hex.EncodeToString(h.Sum(nil))
}

// put writes or overwrites the record for the request.
func (r *suspicionRecords) put(req Request, patterns []string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := recordFingerprint(req)
	r.records[key] = &SuspiciousRecord{
		Key:       key,
		Patterns:  append([]string(nil), patterns...),
		RiskScore: score,
		Timestamp: r.now(),
	}
}

func (r *suspicionRecords) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// snapshot copies the current records, newest data included, for operator
// inspection.
func (r *suspicionRecords) snapshot() []*SuspiciousRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*SuspiciousRecord, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// sweep deletes records older than the retention window.
func (r *suspicionRecords) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.retention)
	removed := 0
	for key, rec := range r.records {
		if rec.Timestamp.Before(cutoff) {
			delete(r.records, key)
			removed++
		}
	}
	return removed
}
