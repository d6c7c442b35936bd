package schedule

import "time"

// Activation is an external request to start monitoring, e.g. a chat
// "/start" command.
type Activation struct {
	// Target is the delivery id replies and notifications go to.
	Target    string
	Timestamp time.Time
}

// ActivationGuard rejects activation signals that predate the process, such
// as messages a transport queued while the service was down.
type ActivationGuard struct {
	start time.Time
}

// NewActivationGuard creates a guard for a process started at start.
// Chat timestamps carry whole seconds, so start is truncated to the second.
func NewActivationGuard(start time.Time) ActivationGuard {
	return ActivationGuard{start: start.Truncate(time.Second)}
}

// Start returns the truncated process start time.
func (g ActivationGuard) Start() time.Time {
	return g.start
}

// Accept reports whether an activation sent at ts should be handled.
func (g ActivationGuard) Accept(ts time.Time) bool {
	return !ts.Before(g.start)
}
