package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/chatkit-session/internal/metrics"
	"github.com/whisper/chatkit-session/internal/protocol"
)

// RecentCounter counts stored events per outcome. *Store satisfies it.
type RecentCounter interface {
	CountRecent(ctx context.Context, outcome string, window time.Duration) (int, error)
}

// RefreshRecent sets metrics.AuditRecentOutcomes for every outcome from
// counter. Outcomes whose query fails keep their previous value.
func RefreshRecent(ctx context.Context, counter RecentCounter, window time.Duration, logger *slog.Logger) {
	for _, outcome := range protocol.Outcomes {
		n, err := counter.CountRecent(ctx, outcome, window)
		if err != nil {
			logger.Warn("count recent session events failed", "outcome", outcome, "error", err)
			continue
		}
		metrics.AuditRecentOutcomes.WithLabelValues(outcome).Set(float64(n))
	}
}

// WatchRecent calls RefreshRecent immediately and then every interval until
// ctx is done.
func WatchRecent(ctx context.Context, counter RecentCounter, window, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")

	refresh := func() {
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		RefreshRecent(qctx, counter, window, logger)
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
