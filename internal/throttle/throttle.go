// ABOUTME: Per-site backoff tracking for rate-limited upstream registry APIs.
// ABOUTME: Gates outbound lookups and records cool-down windows after 429 responses.

package throttle

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ThrottledError is the deliberate early-abort signal raised when a caller
// asks Apply to interrupt the current lookup rather than poll the flag.
type ThrottledError struct {
	Site       string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("site %s throttled, retry after %s", e.Site, e.RetryAfter)
}

// Throttler tracks per-site backoff windows. Safe for concurrent use: the
// expiry map is the one piece of lookup state shared across workloads that
// hit the same registry. Not persisted; the site set is small and fixed in
// practice so unbounded growth is acceptable.
type Throttler struct {
	mu         sync.Mutex
	pauseUntil map[string]time.Time
	pause      time.Duration
	stop       <-chan struct{}
	logger     *logrus.Logger
}

// New creates a Throttler with the given default pause. The stop channel is
// the shared cancellation signal: once closed, Check always reports
// throttled so no new outbound calls start during shutdown.
func New(pause time.Duration, stop <-chan struct{}, logger *logrus.Logger) *Throttler {
	if pause <= 0 {
		pause = 30 * time.Second
	}
	return &Throttler{
		pauseUntil: make(map[string]time.Time),
		pause:      pause,
		stop:       stop,
		logger:     logger,
	}
}

// Check reports whether a backoff window is active for the site. An expired
// window is cleared and recovery logged.
func (t *Throttler) Check(site string) bool {
	if t.stopped() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.pauseUntil[site]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(t.pauseUntil, site)
		t.logger.WithField("site", site).Info("Throttling wait complete")
		return false
	}
	t.logger.WithFields(logrus.Fields{
		"site":      site,
		"remaining": time.Until(until).Round(time.Millisecond),
	}).Debug("Throttling still active")
	return true
}

// Apply records a backoff window for the site. A non-positive retry falls
// back to the default pause.
func (t *Throttler) Apply(site string, retry time.Duration, reason string) {
	if retry <= 0 {
		retry = t.pause
	}
	t.mu.Lock()
	t.pauseUntil[site] = time.Now().Add(retry)
	t.mu.Unlock()
	t.logger.WithFields(logrus.Fields{
		"site":   site,
		"retry":  retry,
		"reason": reason,
	}).Warn("Throttling requests")
}

// ApplyErr records the backoff and returns a ThrottledError for callers that
// want to abort the current lookup immediately.
func (t *Throttler) ApplyErr(site string, retry time.Duration, reason string) error {
	t.Apply(site, retry, reason)
	if retry <= 0 {
		retry = t.pause
	}
	return &ThrottledError{Site: site, RetryAfter: retry}
}

func (t *Throttler) stopped() bool {
	if t.stop == nil {
		return false
	}
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}
