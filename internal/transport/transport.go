// Package transport defines the outbound boundary Delivery sends
// through: a recipient-addressed text send plus an optional typing
// indicator, both opaque to the core.
package transport

import "context"

// Outcome classifies the result of a transport call the way Delivery
// needs to react: retry, give up, or move on.
type Outcome int

const (
	// Success means the transport accepted the message for delivery.
	Success Outcome = iota
	// TransientFail means the failure is likely to clear on retry
	// (timeout, rate-limit signal, 5xx-equivalent).
	TransientFail
	// PermanentFail means retrying would not help (malformed
	// recipient, forbidden, content rejected).
	PermanentFail
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFail:
		return "transient_fail"
	case PermanentFail:
		return "permanent_fail"
	default:
		return "unknown"
	}
}

// Transport is the outbound boundary Delivery calls through. Transport
// is responsible for classifying its own errors into an Outcome —
// Delivery trusts that classification rather than inspecting errors
// itself.
type Transport interface {
	// Send delivers text verbatim to recipientID, bounded by ctx's
	// deadline (set by Delivery from TransportTimeout).
	Send(ctx context.Context, recipientID, text string) Outcome

	// Typing emits a best-effort typing indicator for recipientID.
	// Callers treat failure as fire-and-forget: it must never abort
	// delivery.
	Typing(ctx context.Context, recipientID string) error
}
