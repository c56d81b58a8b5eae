package sessionclient

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// HostTokenHeader carries the captured host token on each attempt.
const HostTokenHeader = "X-Host-Token"

// HostTokenSlot holds a token obtained from an embedding host (for example
// Teams SSO). It is written at most once and read without blocking; readers
// treat an unset slot as "no token".
type HostTokenSlot struct {
	token atomic.Pointer[string]
	once  sync.Once
	done  chan struct{}
}

// Set stores tok if the slot is still empty and tok is non-empty. It
// reports whether the value was stored.
func (s *HostTokenSlot) Set(tok string) bool {
	if tok == "" {
		return false
	}
	return s.token.CompareAndSwap(nil, &tok)
}

// Get returns the token and whether one has been captured.
func (s *HostTokenSlot) Get() (string, bool) {
	if s == nil {
		return "", false
	}
	p := s.token.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Capture runs fetch once in the background and stores its result. Later
// calls return the channel of the first one, which is closed when fetch
// returns. Failures are logged and leave the slot empty.
func (s *HostTokenSlot) Capture(ctx context.Context, fetch func(context.Context) (string, error), logger *slog.Logger) <-chan struct{} {
	s.once.Do(func() {
		s.done = make(chan struct{})
		if logger == nil {
			logger = slog.Default()
		}
		go func() {
			defer close(s.done)
			tok, err := fetch(ctx)
			if err != nil {
				logger.Debug("host token unavailable", "error", err)
				return
			}
			if s.Set(tok) {
				logger.Debug("host token captured")
			}
		}()
	})
	return s.done
}
