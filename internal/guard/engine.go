// Package guard implements the multi-dimensional velocity-abuse defense
// engine: per-request admit/limit/block decisions across overlapping counting
// dimensions (network address, account identity, device fingerprint) crossed
// with operation category, plus advisory cross-scope abuse heuristics.
//
// The engine is purely in-memory and never blocks on external resources, so
// it is safe to call from a latency-sensitive request path.
package guard

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("guard")

// Verdict is the engine's decision for one request. A non-admitted verdict
// always carries a retry-after; suspicion is advisory telemetry only.
type Verdict struct {
	Admitted          bool     `json:"admitted"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
	ViolatingScopeKey string   `json:"violating_scope_key,omitempty"`
	Limit             int      `json:"limit,omitempty"`
	Remaining         int      `json:"remaining,omitempty"`
	Suspicious        bool     `json:"suspicious"`
	Patterns          []string `json:"patterns,omitempty"`
	RiskScore         int      `json:"risk_score"`
}

// Statistics summarizes engine state for operator tooling.
type Statistics struct {
	ActiveCounters          int              `json:"active_counters"`
	ActiveBlocks            int              `json:"active_blocks"`
	ActiveSuspiciousRecords int              `json:"active_suspicious_records"`
	PerRuleUsage            map[string]int64 `json:"per_rule_usage"`
}

// Options configures an Engine.
type Options struct {
	Rules               []Rule
	SweepInterval       time.Duration
	SuspiciousRetention time.Duration
	RotationLookback    time.Duration
	GeographyLookback   time.Duration
	EventBuffer         int
}

func (o *Options) applyDefaults() {
	if len(o.Rules) == 0 {
		o.Rules = DefaultRules()
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.SuspiciousRetention <= 0 {
		o.SuspiciousRetention = 7 * 24 * time.Hour
	}
	if o.RotationLookback <= 0 {
		o.RotationLookback = time.Hour
	}
	if o.GeographyLookback <= 0 {
		o.GeographyLookback = 24 * time.Hour
	}
}

// Engine owns the rule table, counters, blocklist, history, and telemetry
// for one process. Constructed at service start, stopped at service stop.
type Engine struct {
	rules    *RuleTable
	counters *counterStore
	blocks   *Blocklist
	history  *historyStore
	records  *suspicionRecords
	detector *detector
	monitor  *EventMonitor
	logger   *zap.Logger

	sweepInterval time.Duration
	cancelSweep   context.CancelFunc
	sweepDone     chan struct{}
}

// New builds an engine from the given options. Invalid rules refuse
// initialization rather than run with undefined limits.
func New(opts Options, logger *zap.Logger) (*Engine, error) {
	opts.applyDefaults()

	rules, err := NewRuleTable(opts.Rules)
	if err != nil {
		return nil, fmt.Errorf("guard: %w", err)
	}

	blocks := NewBlocklist()
	history := newHistoryStore(opts.RotationLookback, opts.GeographyLookback)
	records := newSuspicionRecords(opts.SuspiciousRetention)
	monitor := NewEventMonitor(logger, opts.EventBuffer)

	e := &Engine{
		rules:         rules,
		counters:      newCounterStore(rules, blocks),
		blocks:        blocks,
		history:       history,
		records:       records,
		detector:      newDetector(history, records, logger),
		monitor:       monitor,
		logger:        logger,
		sweepInterval: opts.SweepInterval,
	}
	return e, nil
}

// Start launches the telemetry pump and the eviction sweeper.
func (e *Engine) Start() {
	e.monitor.Start()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelSweep = cancel
	e.sweepDone = make(chan struct{})

	sw := &sweeper{
		interval: e.sweepInterval,
		counters: e.counters,
		blocks:   e.blocks,
		records:  e.records,
		history:  e.history,
		monitor:  e.monitor,
		logger:   e.logger,
	}
	go func() {
		defer close(e.sweepDone)
		sw.run(ctx)
	}()

	e.logger.Info("velocity guard engine started",
		zap.Int("rules", len(e.rules.Keys())),
		zap.Duration("sweep_interval", e.sweepInterval),
	)
}

// Stop cancels the sweeper and drains the telemetry queue.
func (e *Engine) Stop() {
	if e.cancelSweep != nil {
		e.cancelSweep()
		<-e.sweepDone
	}
	e.monitor.Stop()
	e.logger.Info("velocity guard engine stopped")
}

// Subscribe registers a telemetry event subscriber.
func (e *Engine) Subscribe(sub EventSubscriber) {
	e.monitor.Subscribe(sub)
}

// Rules exposes the immutable rule table.
func (e *Engine) Rules() *RuleTable {
	return e.rules
}

// Check decides one request. Scopes are checked in resolution order and the
// first violation halts further counting; pattern analysis always runs and
// never changes the admit/deny outcome.
func (e *Engine) Check(ctx context.Context, req Request) Verdict {
	_, span := tracer.Start(ctx, "guard.Check")
	defer span.End()

	start := time.Now()
	defer func() {
		checkDuration.Observe(time.Since(start).Seconds())
	}()

	scopes := ResolveScopes(req)
	span.SetAttributes(
		attribute.String("path", req.Path),
		attribute.Int("scopes", len(scopes)),
	)

	verdict := Verdict{Admitted: true}
	var results []CheckResult

	for _, sc := range scopes {
		if rec, ok := e.blocks.Lookup(sc.ScopeType, sc.Identifier); ok {
			verdict.Admitted = false
			verdict.RetryAfterSeconds = retrySeconds(time.Until(rec.BlockedUntil))
			verdict.ViolatingScopeKey = sc.ScopeKey
			break
		}

		res, ok := e.counters.checkAndIncrement(sc)
		if !ok {
			continue
		}
		results = append(results, res)
		if !res.Admitted {
			verdict.Admitted = false
			verdict.RetryAfterSeconds = retrySeconds(res.RetryAfter)
			verdict.ViolatingScopeKey = sc.ScopeKey
			verdict.Limit = res.Limit
			verdict.Remaining = 0
			break
		}
		if verdict.Limit == 0 || res.Remaining < verdict.Remaining {
			verdict.Limit = res.Limit
			verdict.Remaining = res.Remaining
		}
	}

	e.history.record(req)

	sus := e.safeEvaluate(req, results)
	verdict.Suspicious = sus.Suspicious
	verdict.Patterns = sus.Patterns
	verdict.RiskScore = sus.RiskScore

	e.emitDecision(req, verdict, sus)
	return verdict
}

// safeEvaluate degrades a detector failure to an empty result so pattern
// analysis can never affect the core admit/deny decision.
func (e *Engine) safeEvaluate(req Request, results []CheckResult) (res SuspicionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("suspicious pattern analysis failed",
				zap.Any("panic", r),
			)
			res = SuspicionResult{}
		}
	}()
	return e.detector.evaluate(req, results)
}

func (e *Engine) emitDecision(req Request, verdict Verdict, sus SuspicionResult) {
	terminal := EventAllowed
	if !verdict.Admitted {
		terminal = EventBlocked
	}
	decisionsTotal.WithLabelValues(string(terminal)).Inc()

	e.monitor.Publish(&Event{
		Type:              terminal,
		Address:           MaskIdentifier(req.Address),
		Identity:          MaskIdentifier(req.IdentityID),
		Device:            MaskIdentifier(req.DeviceFingerprint),
		UserAgent:         MaskIdentifier(req.UserAgent),
		Path:              req.Path,
		ScopeKey:          verdict.ViolatingScopeKey,
		RetryAfterSeconds: verdict.RetryAfterSeconds,
	})

	if sus.Suspicious {
		for _, p := range sus.Patterns {
			suspiciousPatterns.WithLabelValues(p).Inc()
		}
		e.monitor.Publish(&Event{
			Type:      EventSuspicious,
			Address:   MaskIdentifier(req.Address),
			Identity:  MaskIdentifier(req.IdentityID),
			Device:    MaskIdentifier(req.DeviceFingerprint),
			UserAgent: MaskIdentifier(req.UserAgent),
			Path:      req.Path,
			Patterns:  sus.Patterns,
			RiskScore: sus.RiskScore,
		})
	}
}

// Block places an operator block on a (scope type, identifier) pair. The
// reason distinguishes plain manual blocks from promoted suspicious records.
func (e *Engine) Block(st ScopeType, identifier string, reason BlockReason, d time.Duration) *BlockRecord {
	rec := e.blocks.Block(st, identifier, reason, d, "")
	e.logger.Info("manual block placed",
		zap.String("scope_type", string(st)),
		zap.String("identifier", MaskIdentifier(identifier)),
		zap.String("reason", string(reason)),
		zap.Duration("duration", d),
	)
	e.monitor.Publish(&Event{
		Type:    EventManualBlock,
		Details: map[string]interface{}{"scope_type": string(st), "identifier": MaskIdentifier(identifier), "reason": string(reason), "duration_seconds": int(d.Seconds())},
	})
	return rec
}

// Unblock lifts any block on the pair and reports whether one was active.
// Counter-level blocks for the pair are cleared too, so the identifier is
// admissible again on its next request.
func (e *Engine) Unblock(st ScopeType, identifier string) bool {
	ok := e.blocks.Unblock(st, identifier)
	e.counters.clearBlock(st, identifier)
	e.logger.Info("manual unblock",
		zap.String("scope_type", string(st)),
		zap.String("identifier", MaskIdentifier(identifier)),
		zap.Bool("was_blocked", ok),
	)
	e.monitor.Publish(&Event{
		Type:    EventManualUnblock,
		Details: map[string]interface{}{"scope_type": string(st), "identifier": MaskIdentifier(identifier), "was_blocked": ok},
	})
	return ok
}

// Statistics reports current engine state.
func (e *Engine) Statistics() Statistics {
	return Statistics{
		ActiveCounters:          e.counters.activeCount(),
		ActiveBlocks:            e.blocks.activeCount(),
		ActiveSuspiciousRecords: e.records.activeCount(),
		PerRuleUsage:            e.counters.usageSnapshot(),
	}
}

// SuspiciousRecords returns the retained audit records.
func (e *Engine) SuspiciousRecords() []*SuspiciousRecord {
	return e.records.snapshot()
}

// retrySeconds rounds a retry-after up to whole seconds so a non-admitted
// verdict never reports zero wait.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
