// Package shutdown centralizes the signal-to-context wiring used to drain
// the queue server gracefully on SIGINT/SIGTERM.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext returns a context canceled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
