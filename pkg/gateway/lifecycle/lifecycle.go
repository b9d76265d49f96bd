// Package lifecycle holds the gateway's shutdown state. Flipping to
// draining makes /readyz report 503 so the load balancer stops routing
// new calls while live relay sessions finish.
package lifecycle

import "sync/atomic"

// Lifecycle is shared between main and the readiness handler. The zero
// value is serving; a nil receiver also reads as serving.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
