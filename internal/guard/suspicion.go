package guard

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// Pattern tags emitted by the detector.
const (
	PatternMultiScopeVelocity = "multi_scope_high_velocity"
	PatternAddressRotation    = "address_rotation"
	PatternIdentityRotation   = "identity_rotation"
	PatternGeographicAnomaly  = "geographic_anomaly"
	PatternRegularTiming      = "regular_interval_timing"
)

// Fixed per-pattern risk weights.
var patternWeights = map[string]int{
	PatternMultiScopeVelocity: 30,
	PatternAddressRotation:    50,
	PatternIdentityRotation:   40,
	PatternGeographicAnomaly:  35,
	PatternRegularTiming:      45,
}

// Heuristic trigger thresholds.
const (
	velocityCountThreshold    = 10
	velocityScopeMinimum      = 2
	rotationAddressThreshold  = 3
	rotationIdentityThreshold = 2
	geographyThreshold        = 2
	timingMinArrivals         = 5
	timingHorizon             = 10 * time.Minute
	timingStdDevCeiling       = 150 * time.Millisecond
)

// SuspicionResult is the advisory output of pattern analysis. It never
// changes an admit/deny outcome.
type SuspicionResult struct {
	Suspicious bool     `json:"suspicious"`
	Patterns   []string `json:"patterns,omitempty"`
	RiskScore  int      `json:"risk_score"`
}

// detector runs the cross-scope abuse heuristics over retained history. It
// performs no network calls and completes synchronously.
type detector struct {
	history *historyStore
	records *suspicionRecords
	logger  *zap.Logger
}

func newDetector(history *historyStore, records *suspicionRecords, logger *zap.Logger) *detector {
	return &detector{history: history, records: records, logger: logger}
}

// evaluate runs every heuristic for the request and persists a suspicious
// record when at least one pattern triggers.
func (d *detector) evaluate(req Request, results []CheckResult) SuspicionResult {
	var patterns []string

	if d.multiScopeVelocity(results) {
		patterns = append(patterns, PatternMultiScopeVelocity)
	}
	if req.DeviceFingerprint != "" && d.history.distinctAddresses(req.DeviceFingerprint) > rotationAddressThreshold {
		patterns = append(patterns, PatternAddressRotation)
	}
	if req.Address != "" && req.DeviceFingerprint != "" &&
		d.history.distinctIdentities(req.Address, req.DeviceFingerprint) > rotationIdentityThreshold {
		patterns = append(patterns, PatternIdentityRotation)
	}
	if req.Address != "" && d.history.distinctGeographies(req.Address) > geographyThreshold {
		patterns = append(patterns, PatternGeographicAnomaly)
	}
	if req.Address != "" && d.regularTiming(req.Address) {
		patterns = append(patterns, PatternRegularTiming)
	}

	if len(patterns) == 0 {
		return SuspicionResult{}
	}

	score := 0
	for _, p := range patterns {
		score += patternWeights[p]
	}
	res := SuspicionResult{Suspicious: true, Patterns: patterns, RiskScore: score}
	d.records.put(req, patterns, score)
	d.logger.Debug("suspicious patterns detected",
		zap.Strings("patterns", patterns),
		zap.Int("risk_score", score),
		zap.String("path", req.Path),
	)
	return res
}

// multiScopeVelocity fires when at least two resolved scopes are each running
// hot within their windows.
func (d *detector) multiScopeVelocity(results []CheckResult) bool {
	hot := 0
	for _, r := range results {
		if r.CurrentCount > velocityCountThreshold {
			hot++
		}
	}
	return hot >= velocityScopeMinimum
}

// regularTiming fires on bot-like cadence: enough consecutive arrivals from
// one address whose inter-arrival spread stays below the low-variance ceiling.
func (d *detector) regularTiming(address string) bool {
	arrivals := d.history.arrivals(address, timingHorizon)
	if len(arrivals) < timingMinArrivals {
		return false
	}

	intervals := make([]float64, 0, len(arrivals)-1)
	for i := 1; i < len(arrivals); i++ {
		intervals = append(intervals, arrivals[i].Sub(arrivals[i-1]).Seconds())
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(intervals))

	return math.Sqrt(variance) < timingStdDevCeiling.Seconds()
}
