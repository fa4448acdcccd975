package gcsread

import (
	"context"
	"time"
)

// durationDeadline is a contextDeadline that applies a fixed timeout to
// every outgoing RPC, per §5 ("each outgoing RPC carries a deadline").
type durationDeadline time.Duration

func (d durationDeadline) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(d))
}
