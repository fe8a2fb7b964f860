package lib

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptContext is cancelled on SIGINT or SIGTERM.
func InterruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
