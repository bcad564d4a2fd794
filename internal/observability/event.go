package observability

import (
	"time"

	"github.com/goccy/go-json"
)

// RouteEvent is the structured record emitted after every routing call,
// success or failure. External collectors consume it through an EventSink.
type RouteEvent struct {
	RequestID    string        `json:"request_id"`
	ModelGroup   string        `json:"model_group"`
	DeploymentID string        `json:"deployment_id,omitempty"`
	Attempts     int           `json:"attempts"`
	Outcome      string        `json:"outcome"`
	Latency      time.Duration `json:"latency_ns"`
	Timestamp    time.Time     `json:"timestamp"`
}

// EventSink receives routing events. Implementations must be non-blocking
// or cheap; the router emits synchronously on the request path.
type EventSink interface {
	Emit(event RouteEvent)
}

// LogSink writes events to the structured logger as JSON.
type LogSink struct {
	logger *Logger
}

// NewLogSink creates a sink that logs each event at INFO level.
func NewLogSink(logger *Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements EventSink.
func (s *LogSink) Emit(event RouteEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("route event marshal failed", "error", err)
		return
	}
	s.logger.Info("route completed",
		"model_group", event.ModelGroup,
		"outcome", event.Outcome,
		"attempts", event.Attempts,
		"latency_ms", event.Latency.Milliseconds(),
		"event", string(payload),
	)
}

// NopSink discards events.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(RouteEvent) {}
