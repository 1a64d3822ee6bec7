// Copyright 2024-2026 Aiku AI

package relay

import "errors"

// ErrUntrackedChannel means the native chat is not bridged. It is not a
// failure and is never logged above debug level.
var ErrUntrackedChannel = errors.New("untracked channel")

// ErrTransientStore and ErrDestinationSend wrap failures that a redelivery of
// the same event may fix.
var (
	ErrTransientStore  = errors.New("transient store failure")
	ErrDestinationSend = errors.New("destination send failed")
)

var (
	ErrReconcile       = errors.New("identity reconciliation failed")
	ErrMappingNotFound = errors.New("message mapping not found")
	ErrDirectionClosed = errors.New("channel direction does not relay this origin")
	ErrMalformedEvent  = errors.New("malformed event")
	ErrRelayEcho       = errors.New("event authored by the relay")
	ErrMessageNotFound = errors.New("message not found on platform")
	ErrPoolClosed      = errors.New("worker pool is shut down")
	ErrUnknownPlatform = errors.New("no client for platform")
)

// IsRetryable reports whether the change feed should redeliver the event that
// produced err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore) || errors.Is(err, ErrDestinationSend)
}

// errorOutcome is the metrics label for err.
func errorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrUntrackedChannel):
		return "untracked"
	case errors.Is(err, ErrRelayEcho):
		return "echo"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, ErrMappingNotFound):
		return "unmapped"
	case errors.Is(err, ErrDirectionClosed):
		return "direction"
	case errors.Is(err, ErrReconcile):
		return "reconcile_error"
	case errors.Is(err, ErrTransientStore):
		return "store_error"
	case errors.Is(err, ErrDestinationSend):
		return "send_error"
	default:
		return "error"
	}
}
