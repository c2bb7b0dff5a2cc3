// Package channel implements the out-of-band consent channel: the
// thing that actually asks a human whether an Action should be
// allowed.
package channel

import (
	"context"
	"errors"
	"time"

	"acp/internal/action"
)

// ErrTimeout is returned when a channel fails to produce a decision
// before its deadline. Callers must treat this the same as any other
// error: fail closed, never default to allow.
var ErrTimeout = errors.New("channel: deadline exceeded waiting for a decision")

// ErrUnreachable is returned when the channel's transport (bot API,
// webhook endpoint, terminal) could not be reached at all.
var ErrUnreachable = errors.New("channel: consent channel unreachable")

// Channel asks a human to approve or deny an Action. Implementations
// must return within the given deadline; if they cannot, they must
// return ErrTimeout rather than block indefinitely or guess.
type Channel interface {
	Ask(ctx context.Context, a action.Action, deadline time.Time) (approved bool, reason string, err error)
}
