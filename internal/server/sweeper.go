// ABOUTME: Periodic removal of expired sessions, passkey challenges and SSO grants
// ABOUTME: Expired rows are already unusable; sweeping only keeps the tables small

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/creative-auth/internal/store"
)

// SweepResult counts the rows removed by one sweep.
type SweepResult struct {
	Sessions   int64
	Challenges int64
	SSOTokens  int64
}

// Total returns the number of rows removed.
func (r SweepResult) Total() int64 {
	return r.Sessions + r.Challenges + r.SSOTokens
}

// Sweep deletes everything that expired before now. Each table is swept even
// if an earlier one fails.
func Sweep(ctx context.Context, s store.Store, now time.Time) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
		err  error
	)

	res.Sessions, err = s.DeleteExpiredSessions(ctx, now)
	errs = appendCloseError(errs, "sessions", err)

	res.Challenges, err = s.DeleteExpiredChallenges(ctx, now)
	errs = appendCloseError(errs, "challenges", err)

	res.SSOTokens, err = s.DeleteExpiredSSOTokens(ctx, now)
	errs = appendCloseError(errs, "sso tokens", err)

	if len(errs) > 0 {
		return res, fmt.Errorf("sweeping expired rows: %w", errors.Join(errs...))
	}
	return res, nil
}

// runSweeper sweeps on every tick until ctx is done.
func (s *Server) runSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Server) sweepOnce(ctx context.Context) {
	res, err := Sweep(ctx, s.store, s.now().UTC())
	if err != nil {
		s.logger.Error("cleanup failed", "error", err)
		return
	}
	if res.Total() > 0 {
		s.logger.Debug("cleanup removed expired rows",
			"sessions", res.Sessions,
			"challenges", res.Challenges,
			"sso_tokens", res.SSOTokens,
		)
	}
}
