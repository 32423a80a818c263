package governor

import (
	"context"
	"sync"
	"time"

	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/pkg/logger"
	"golang.org/x/time/rate"
)

var log = logger.Get("RateGovernor")

type Config struct {
	// WindowSeconds and Budget bound outbound extraction-engine calls to
	// Budget admissions per rolling window, shared across every worker in
	// the process. The upstream service penalises burst traffic for the
	// whole host, so this guard protects all users, not just one caller.
	WindowSeconds int `yaml:"window_seconds" env:"GOVERNOR_WINDOW_SECONDS" env-default:"300"`
	Budget        int `yaml:"budget" env:"GOVERNOR_BUDGET" env-default:"30"`

	// MaxAdmitWaitSeconds bounds how long Admit may block a caller waiting
	// for budget; waits longer than this are converted to immediate denial
	// carrying a retry-after hint.
	MaxAdmitWaitSeconds int `yaml:"max_admit_wait_seconds" env:"GOVERNOR_MAX_ADMIT_WAIT" env-default:"5"`

	// Penalty backoff applied after the engine reports upstream throttling.
	// Doubles per consecutive throttle signal up to the cap.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds" env:"GOVERNOR_BACKOFF_BASE" env-default:"30"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds" env:"GOVERNOR_BACKOFF_CAP" env-default:"600"`
}

// Governor admits calls to the extraction engine. Every upstream call
// (catalog resolution or byte fetch) must pass Admit first. The governor is
// constructed once at process start and shared by reference into each
// consumer rather than living as ambient global state.
type Governor struct {
	mu      sync.Mutex
	config  Config
	limiter *rate.Limiter

	consecutiveThrottles int
	penaltyUntil         time.Time

	now func() time.Time
}

func New(config Config) *Governor {
	return NewWithClock(config, time.Now)
}

// NewWithClock constructs a governor with an injected time source, allowing
// the admission and backoff behaviour to be unit tested with a fake clock.
func NewWithClock(config Config, now func() time.Time) *Governor {
	window := time.Duration(config.WindowSeconds) * time.Second
	perRequest := window / time.Duration(max(config.Budget, 1))

	return &Governor{
		config:  config,
		limiter: rate.NewLimiter(rate.Every(perRequest), max(config.Budget, 1)),
		now:     now,
	}
}

// Admit blocks for at most the configured bounded wait before allowing the
// caller to proceed. When the budget is exhausted, or a throttling penalty
// is in effect, an UpstreamThrottled fault carrying a retry-after hint is
// returned immediately; callers must surface it rather than queue silently.
func (governor *Governor) Admit(ctx context.Context) error {
	governor.mu.Lock()

	if remaining := governor.penaltyUntil.Sub(governor.now()); remaining > 0 {
		governor.mu.Unlock()
		return fault.Throttled(remaining, "upstream throttling backoff is in effect")
	}

	reservation := governor.limiter.ReserveN(governor.now(), 1)
	if !reservation.OK() {
		governor.mu.Unlock()
		return fault.Throttled(time.Duration(governor.config.WindowSeconds)*time.Second, "admission budget exhausted")
	}

	delay := reservation.DelayFrom(governor.now())
	maxWait := time.Duration(governor.config.MaxAdmitWaitSeconds) * time.Second
	if delay > maxWait {
		reservation.CancelAt(governor.now())
		governor.mu.Unlock()
		return fault.Throttled(delay, "admission budget exhausted for this window")
	}
	governor.mu.Unlock()

	if delay <= 0 {
		return nil
	}

	log.Debugf("Admission delayed by %s to respect upstream budget\n", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		governor.mu.Lock()
		reservation.CancelAt(governor.now())
		governor.mu.Unlock()

		return ctx.Err()
	}
}

// ReportThrottled must be called when the engine surfaces a rate-limiting
// or bot-detection response. Consecutive reports escalate the penalty
// window so that repeated throttling backs the whole process off harder
// each time. The engine-supplied hint is honoured when it exceeds our own.
// The applied penalty duration is returned.
func (governor *Governor) ReportThrottled(upstreamHint time.Duration) time.Duration {
	governor.mu.Lock()
	defer governor.mu.Unlock()

	governor.consecutiveThrottles++
	penalty := time.Duration(governor.config.BackoffBaseSeconds) * time.Second
	for i := 1; i < governor.consecutiveThrottles; i++ {
		penalty *= 2
	}

	if maxPenalty := time.Duration(governor.config.BackoffCapSeconds) * time.Second; penalty > maxPenalty {
		penalty = maxPenalty
	}
	if upstreamHint > penalty {
		penalty = upstreamHint
	}

	governor.penaltyUntil = governor.now().Add(penalty)
	log.Warnf("Upstream throttling reported (%d consecutive); backing off for %s\n", governor.consecutiveThrottles, penalty)

	return penalty
}

// ReportSuccess clears the throttling escalation after a healthy upstream
// response.
func (governor *Governor) ReportSuccess() {
	governor.mu.Lock()
	defer governor.mu.Unlock()

	governor.consecutiveThrottles = 0
	governor.penaltyUntil = time.Time{}
}
