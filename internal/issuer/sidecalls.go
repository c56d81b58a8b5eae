package issuer

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/chatkit-session/internal/config"
	"github.com/whisper/chatkit-session/internal/metrics"
)

// launchSideCalls starts the configured post-creation calls in a detached
// goroutine and returns immediately. The calls inherit ctx values but not
// its cancellation, so a client hanging up does not abort them, and their
// results are only logged.
func (h *Handler) launchSideCalls(ctx context.Context, logger *slog.Logger, apiKey, sessionID string, sc config.SideCalls) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.sideCallTimeout)
	logger = logger.With("session_id", sessionID)

	h.sideCalls.Add(1)
	go func() {
		defer h.sideCalls.Done()
		defer cancel()

		var g errgroup.Group
		if sc.StarterMessage != "" {
			g.Go(func() error {
				return sideCall(detached, logger, "starter_message", func(ctx context.Context) error {
					return h.provider.SendStarterMessage(ctx, apiKey, sessionID, sc.StarterMessage)
				})
			})
		}
		if sc.ChatTitle != "" {
			g.Go(func() error {
				return sideCall(detached, logger, "title", func(ctx context.Context) error {
					return h.provider.SetTitle(ctx, apiKey, sessionID, sc.ChatTitle)
				})
			})
		}
		_ = g.Wait()
	}()
}

func sideCall(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		metrics.SideCallsTotal.WithLabelValues(name, "error").Inc()
		logger.Warn("side call failed", "call", name, "error", err)
		return err
	}
	metrics.SideCallsTotal.WithLabelValues(name, "ok").Inc()
	logger.Debug("side call succeeded", "call", name)
	return nil
}
