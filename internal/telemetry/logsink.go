// Package telemetry provides event subscribers that forward guard decisions
// to logging and messaging collaborators.
package telemetry

import (
	"go.uber.org/zap"

	"github.com/vortexpay/velocityguard/internal/guard"
)

// LogSink writes every guard event to structured logs. Identifiers are
// already masked by the engine before events reach any sink.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// HandleEvent implements guard.EventSubscriber.
func (s *LogSink) HandleEvent(ev *guard.Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.Time("at", ev.Timestamp),
	}
	if ev.Address != "" {
		fields = append(fields, zap.String("address", ev.Address))
	}
	if ev.Identity != "" {
		fields = append(fields, zap.String("identity", ev.Identity))
	}
	if ev.Device != "" {
		fields = append(fields, zap.String("device", ev.Device))
	}
	if ev.ScopeKey != "" {
		fields = append(fields, zap.String("scope_key", ev.ScopeKey))
	}
	if ev.RetryAfterSeconds > 0 {
		fields = append(fields, zap.Int("retry_after_seconds", ev.RetryAfterSeconds))
	}
	if len(ev.Patterns) > 0 {
		fields = append(fields, zap.Strings("patterns", ev.Patterns), zap.Int("risk_score", ev.RiskScore))
	}
	if len(ev.Details) > 0 {
		fields = append(fields, zap.Any("details", ev.Details))
	}

	switch ev.Type {
	case guard.EventBlocked, guard.EventSuspicious:
		s.logger.Warn("guard event", fields...)
	default:
		s.logger.Info("guard event", fields...)
	}
	return nil
}
