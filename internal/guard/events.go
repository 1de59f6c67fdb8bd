package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType enumerates the telemetry events emitted per decision and by the
// manual operations and the sweeper.
type EventType string

const (
	EventAllowed       EventType = "allowed"
	EventBlocked       EventType = "blocked"
	EventSuspicious    EventType = "suspicious"
	EventManualBlock   EventType = "manual_block"
	EventManualUnblock EventType = "manual_unblock"
	EventCleanup       EventType = "cleanup"
)

// Event is the telemetry payload handed to subscribers. Identifying
// attributes are masked before the event leaves the engine, since downstream
// consumers log and forward with less restrictive access controls.
type Event struct {
	ID                string                 `json:"id"`
	Type              EventType              `json:"type"`
	Timestamp         time.Time              `json:"timestamp"`
	Address           string                 `json:"address,omitempty"`
	Identity          string                 `json:"identity,omitempty"`
	Device            string                 `json:"device,omitempty"`
	UserAgent         string                 `json:"user_agent,omitempty"`
	Path              string                 `json:"path,omitempty"`
	ScopeKey          string                 `json:"scope_key,omitempty"`
	RetryAfterSeconds int                    `json:"retry_after_seconds,omitempty"`
	Patterns          []string               `json:"patterns,omitempty"`
	RiskScore         int                    `json:"risk_score,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
}

// EventSubscriber consumes telemetry events off the request path.
type EventSubscriber interface {
	HandleEvent(ev *Event) error
}

// EventMonitor fans decision telemetry out to subscribers through a buffered
// channel so that publishing never blocks a request.
type EventMonitor struct {
	logger      *zap.Logger
	events      chan *Event
	subscribers []EventSubscriber
	mu          sync.RWMutex
	closed      bool
	wg          sync.WaitGroup
}

// NewEventMonitor creates an event monitor with the given queue depth.
func NewEventMonitor(logger *zap.Logger, buffer int) *EventMonitor {
	if buffer <= 0 {
		buffer = 1024
	}
	return &EventMonitor{
		logger: logger,
		events: make(chan *Event, buffer),
	}
}

// Subscribe registers a subscriber. Subscribers added after Start still
// receive subsequent events.
func (m *EventMonitor) Subscribe(sub EventSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, sub)
}

// Start launches the event pump.
func (m *EventMonitor) Start() {
	m.wg.Add(1)
	go m.pump()
}

// Stop drains and stops the event pump. Publishes after Stop are discarded.
func (m *EventMonitor) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.events)
	m.wg.Wait()
}

// Publish queues an event without blocking. When the queue is full the event
// is dropped and counted.
func (m *EventMonitor) Publish(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	select {
	case m.events <- ev:
	default:
		eventsDropped.Inc()
		m.logger.Warn("telemetry event queue full, dropping event",
			zap.String("event_type", string(ev.Type)),
		)
	}
}

func (m *EventMonitor) pump() {
	defer m.wg.Done()
	for ev := range m.events {
		m.mu.RLock()
		subs := m.subscribers
		m.mu.RUnlock()
		for _, sub := range subs {
			if err := sub.HandleEvent(ev); err != nil {
				m.logger.Warn("event subscriber failed",
					zap.String("event_type", string(ev.Type)),
					zap.Error(err),
				)
			}
		}
	}
}

// MaskIdentifier one-way hashes and truncates an identifying attribute so
// raw addresses, identities, fingerprints, and user agents never leave the
// engine in telemetry.
func MaskIdentifier(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
