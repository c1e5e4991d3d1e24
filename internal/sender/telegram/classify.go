package telegram

import (
	"context"
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"
)

type errClass int

const (
	retryable errClass = iota
	permanent
)

// classify maps a raw telebot error to retryable/permanent, with an optional
// server-suggested wait for flood responses.
//
// The rules mirror Telegram's API semantics: 429 and 5xx are transient,
// 4xx (bad chat, revoked token, oversized/invalid media) are not. Unknown
// errors default to retryable, matching how the channel behaves for network
// blips.
func classify(err error) (errClass, time.Duration) {
	if err == nil {
		return retryable, 0
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return retryable, time.Duration(flood.RetryAfter) * time.Second
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return retryable, 0
		case apiErr.Code >= 500:
			return retryable, 0
		case apiErr.Code >= 400:
			return permanent, 0
		}
	}

	// Cancellation isn't the channel's verdict; keep the item retryable.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retryable, 0
	}

	return retryable, 0
}
