package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/maksimkurb/fwsync/src/internal/log"
)

// Supervisor re-runs a long-lived task after it crashes, with exponential
// backoff, until its context is cancelled.
type Supervisor struct {
	Name           string
	MaxRestarts    int           // 0 = unlimited restarts
	RestartBackoff time.Duration // Initial backoff (default: 1s)
	MaxBackoff     time.Duration // Max backoff (default: 30s)
}

// Run blocks until fn returns nil, ctx is cancelled or MaxRestarts is
// reached. It returns the last error in the latter case.
func (s Supervisor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := s.RestartBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := s.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	for restarts := 0; ; {
		err := runWithRecovery(ctx, fn)
		if err == nil {
			log.Debugf("%s: exited cleanly", s.Name)
			return nil
		}
		if ctx.Err() != nil {
			log.Debugf("%s: stopped", s.Name)
			return nil
		}

		restarts++
		if s.MaxRestarts > 0 && restarts >= s.MaxRestarts {
			log.Errorf("%s: max restarts (%d) reached, giving up. Last error: %v", s.Name, s.MaxRestarts, err)
			return err
		}
		log.Errorf("%s: crashed with error: %v. Restarting in %v (restart #%d)", s.Name, err, backoff, restarts)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func runWithRecovery(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return fn(ctx)
}
