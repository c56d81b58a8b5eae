package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/chatkit-session/internal/metrics"
	"github.com/whisper/chatkit-session/internal/protocol"
)

// Inserter is the storage side of a Recorder.
type Inserter interface {
	Insert(ctx context.Context, ev protocol.SessionEvent) error
}

// Recorder writes events delivered by the message bus to an Inserter.
type Recorder struct {
	store   Inserter
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder returns a Recorder that bounds each write by timeout.
func NewRecorder(store Inserter, timeout time.Duration, logger *slog.Logger) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, timeout: timeout, logger: logger.With("component", "audit")}
}

// Handle validates and stores one event. It has the signature expected by
// messaging.NATSClient.SubscribeSessionEvents.
func (r *Recorder) Handle(ev protocol.SessionEvent) {
	if err := ev.Validate(); err != nil {
		metrics.AuditEventsTotal.WithLabelValues("invalid").Inc()
		r.logger.Warn("dropping invalid session event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.Insert(ctx, ev); err != nil {
		metrics.AuditEventsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("failed to store session event",
			"request_id", ev.RequestID,
			"outcome", ev.Outcome,
			"error", err)
		return
	}

	metrics.AuditEventsTotal.WithLabelValues("stored").Inc()
	r.logger.Debug("session event stored", "request_id", ev.RequestID, "outcome", ev.Outcome)
}
