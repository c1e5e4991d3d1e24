// Package sender defines the outbound delivery contract consumed by the
// dispatcher. Channel specifics (auth, media hosting, protocol) live behind
// the Sender interface; the dispatcher only sees the tri-state outcome.
package sender

import "context"

type OutcomeKind int

const (
	// Success: the channel confirmed delivery; Reference identifies the
	// sent message on the channel's side.
	Success OutcomeKind = iota

	// RetryableFailure: the sender exhausted its own bounded retries on a
	// transient condition. The item stays unsent and selectable.
	RetryableFailure

	// PermanentFailure: the channel rejected the send in a way a repeat
	// attempt cannot fix (bad target, revoked auth, rejected payload).
	PermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome is the per-attempt result surfaced to the dispatcher.
// It is transient and never persisted as-is.
type Outcome struct {
	Kind      OutcomeKind
	Reference string // set on Success
	Reason    string // set on failures
}

func Succeeded(reference string) Outcome {
	return Outcome{Kind: Success, Reference: reference}
}

func Retryable(reason string) Outcome {
	return Outcome{Kind: RetryableFailure, Reason: reason}
}

func Permanent(reason string) Outcome {
	return Outcome{Kind: PermanentFailure, Reason: reason}
}

// Sender delivers one item through a messaging channel. Implementations own
// their bounded retry loop for transient conditions and return a final
// outcome; they must not block past ctx.
type Sender interface {
	Send(ctx context.Context, locator, caption, correlationID string) Outcome
}
