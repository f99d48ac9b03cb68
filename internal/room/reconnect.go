package room

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/callroom/internal/media"
)

// ErrMaxAttempts reports that a slot's reconnect budget is exhausted; the
// failure is fatal for that slot and is surfaced to the listener.
var ErrMaxAttempts = errors.New("room: reconnect attempts exhausted")

// Supervisor applies one bounded, fixed-interval retry policy uniformly to
// the publish transport and every subscribe transport. The interval is
// deliberately constant rather than exponential; the attempt counter resets
// only on a successful connect, never merely on scheduling.
type Supervisor struct {
	interval    time.Duration
	maxAttempts uint64
	logger      *zap.Logger
}

func NewSupervisor(interval time.Duration, maxAttempts uint64, logger *zap.Logger) *Supervisor {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.Named("reconnect"),
	}
}

// retryState is the per-slot reconnect bookkeeping: the retry policy with
// its consumed-attempt count, and the pending timer. At most one timer is
// pending per slot; scheduling a new one cancels the prior.
type retryState struct {
	policy   backoff.BackOff
	attempts int
	timer    *time.Timer
}

func (s *Supervisor) newState() *retryState {
	return &retryState{
		policy: backoff.WithMaxRetries(backoff.NewConstantBackOff(s.interval), s.maxAttempts),
	}
}

// Schedule arms the slot's reconnect timer. Returns ErrMaxAttempts once the
// policy is exhausted, in which case no timer is armed and no transport will
// be recreated.
func (s *Supervisor) Schedule(rs *retryState, scope media.Scope, fire func()) error {
	d := rs.policy.NextBackOff()
	if d == backoff.Stop {
		s.logger.Warn("giving up",
			zap.Stringer("scope", scope),
			zap.Int("attempts", rs.attempts))
		return ErrMaxAttempts
	}
	rs.attempts++
	rs.cancel()
	rs.timer = time.AfterFunc(d, fire)
	s.logger.Info("reconnect scheduled",
		zap.Stringer("scope", scope),
		zap.Int("attempt", rs.attempts),
		zap.Duration("delay", d))
	return nil
}

// Reset clears the attempt count after a successful connect and drops any
// pending timer.
func (s *Supervisor) Reset(rs *retryState) {
	rs.cancel()
	rs.attempts = 0
	rs.policy.Reset()
}

func (rs *retryState) cancel() {
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
}
