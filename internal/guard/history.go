package guard

import (
	"sync"
	"time"
)

// maxArrivalsPerAddress bounds the per-address arrival ring consumed by the
// timing heuristic.
const maxArrivalsPerAddress = 32

// historyStore retains the bounded cross-scope observation history the
// pattern detector reads: which addresses a device has used, which identities
// an address+device pair has presented, which geographies an address has
// appeared from, and recent request arrival times per address.
type historyStore struct {
	mu sync.Mutex

	addressesByDevice map[string]map[string]time.Time
	identitiesByPair  map[string]map[string]time.Time
	geographiesByAddr map[string]map[string]time.Time
	arrivalsByAddress map[string][]time.Time
	rotationLookback  time.Duration
	geographyLookback time.Duration
	now               func() time.Time
}

func newHistoryStore(rotationLookback, geographyLookback time.Duration) *historyStore {
	return &historyStore{
		addressesByDevice: make(map[string]map[string]time.Time),
		identitiesByPair:  make(map[string]map[string]time.Time),
		geographiesByAddr: make(map[string]map[string]time.Time),
		arrivalsByAddress: make(map[string][]time.Time),
		rotationLookback:  rotationLookback,
		geographyLookback: geographyLookback,
		now:               time.Now,
	}
}

func pairKey(address, device string) string {
	return address + "|" + device
}

// record folds one request into the history.
func (h *historyStore) record(req Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()

	if req.DeviceFingerprint != "" && req.Address != "" {
		seen, ok := h.addressesByDevice[req.DeviceFingerprint]
		if !ok {
			seen = make(map[string]time.Time)
			h.addressesByDevice[req.DeviceFingerprint] = seen
		}
		seen[req.Address] = now
	}

	if req.Address != "" && req.DeviceFingerprint != "" && req.IdentityID != "" {
		key := pairKey(req.Address, req.DeviceFingerprint)
		seen, ok := h.identitiesByPair[key]
		if !ok {
			seen = make(map[string]time.Time)
			h.identitiesByPair[key] = seen
		}
		seen[req.IdentityID] = now
	}

	if req.Address != "" && req.Geography != "" {
		seen, ok := h.geographiesByAddr[req.Address]
		if !ok {
			seen = make(map[string]time.Time)
			h.geographiesByAddr[req.Address] = seen
		}
		seen[req.Geography] = now
	}

	if req.Address != "" {
		arrivals := append(h.arrivalsByAddress[req.Address], now)
		if len(arrivals) > maxArrivalsPerAddress {
			arrivals = arrivals[len(arrivals)-maxArrivalsPerAddress:]
		}
		h.arrivalsByAddress[req.Address] = arrivals
	}
}

// distinctAddresses counts addresses seen for a device within the rotation
// lookback.
func (h *historyStore) distinctAddresses(device string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return countRecent(h.addressesByDevice[device], h.now().Add(-h.rotationLookback))
}

// distinctIdentities counts identities seen for an address+device pair within
// the rotation lookback.
func (h *historyStore) distinctIdentities(address, device string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return countRecent(h.identitiesByPair[pairKey(address, device)], h.now().Add(-h.rotationLookback))
}

// distinctGeographies counts coarse geographies seen for an address within
// the geography lookback.
func (h *historyStore) distinctGeographies(address string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return countRecent(h.geographiesByAddr[address], h.now().Add(-h.geographyLookback))
}

// arrivals returns the recorded arrival times for an address no older than
// the horizon, oldest first.
func (h *historyStore) arrivals(address string, horizon time.Duration) []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-horizon)
	all := h.arrivalsByAddress[address]
	out := make([]time.Time, 0, len(all))
	for _, t := range all {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func countRecent(seen map[string]time.Time, cutoff time.Time) int {
	n := 0
	for _, last := range seen {
		if !last.Before(cutoff) {
			n++
		}
	}
	return n
}

// sweep prunes observations older than their lookbacks and drops empty sets.
func (h *historyStore) sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	removed := 0
	removed += pruneSets(h.addressesByDevice, now.Add(-h.rotationLookback))
	removed += pruneSets(h.identitiesByPair, now.Add(-h.rotationLookback))
	removed += pruneSets(h.geographiesByAddr, now.Add(-h.geographyLookback))

	arrivalCutoff := now.Add(-h.geographyLookback)
	for addr, arrivals := range h.arrivalsByAddress {
		idx := 0
		for idx < len(arrivals) && arrivals[idx].Before(arrivalCutoff) {
			idx++
		}
		if idx > 0 {
			removed += idx
			if idx == len(arrivals) {
				delete(h.arrivalsByAddress, addr)
			} else {
				h.arrivalsByAddress[addr] = arrivals[idx:]
			}
		}
	}
	return removed
}

func pruneSets(sets map[string]map[string]time.Time, cutoff time.Time) int {
	removed := 0
	for key, seen := range sets {
		for member, last := range seen {
			if last.Before(cutoff) {
				delete(seen, member)
				removed++
			}
		}
		if len(seen) == 0 {
			delete(sets, key)
		}
	}
	return removed
}
