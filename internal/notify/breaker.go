package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Event types the proxy emits.
const (
	EventUpstreamDown      = "upstream_down"
	EventUpstreamRecovered = "upstream_recovered"
	EventSnapshotFailed    = "snapshot_failed"
)

// sendTimeout bounds webhook delivery; breaker callbacks must not hang.
const sendTimeout = 10 * time.Second

// BreakerAlerter translates upstream circuit state changes into operator
// notifications. Its OnStateChange method is wired as the upstream client's
// breaker hook.
type BreakerAlerter struct {
	notifier *Notifier
}

// NewBreakerAlerter creates a BreakerAlerter dispatching through the given
// notifier.
func NewBreakerAlerter(n *Notifier) *BreakerAlerter {
	return &BreakerAlerter{notifier: n}
}

// OnStateChange fires upstream_down when the circuit opens and
// upstream_recovered when it closes again. The half-open probe state is not
// announced. Delivery failures are logged by the notifier, not returned;
// there is nobody to return them to.
func (a *BreakerAlerter) OnStateChange(from, to gobreaker.State) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	switch to {
	case gobreaker.StateOpen:
		_ = a.notifier.Notify(ctx, EventUpstreamDown,
			"Upstream circuit opened",
			fmt.Sprintf("Market data fetches are failing (%s -> %s). Responses are now served from cache only.", from, to),
		)
	case gobreaker.StateClosed:
		if from == gobreaker.StateHalfOpen {
			_ = a.notifier.Notify(ctx, EventUpstreamRecovered,
				"Upstream recovered",
				"Market data fetches are succeeding again; normal service resumed.",
			)
		}
	}
}

// SnapshotFailed reports a failed snapshot run.
func (a *BreakerAlerter) SnapshotFailed(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	_ = a.notifier.Notify(ctx, EventSnapshotFailed,
		"Snapshot run failed",
		err.Error(),
	)
}
