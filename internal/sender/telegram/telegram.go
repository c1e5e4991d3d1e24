// Package telegram sends pool images to the recipient chat via the Telegram
// Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pixbot/internal/sender"
	logx "pixbot/pkg/logx"
)

// Config controls the bounded retry loop around a single delivery.
type Config struct {
	RecipientChatID int64
	RetryMax        int           // attempts beyond the first; default 2 (3 total)
	RetryBase       time.Duration // delay before attempt n is RetryBase*n; default 5s
	RatePerSec      int           // token bucket for outbound calls; default 1
	SendTimeout     time.Duration // per-attempt bound; default 30s
}

// api is the slice of telebot the sender needs; tests substitute a fake.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sender struct {
	cfg     Config
	bot     api
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, bot *tele.Bot, log logx.Logger) *Sender {
	return newWithAPI(cfg, bot, log)
}

func newWithAPI(cfg Config, bot api, log logx.Logger) *Sender {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg:     cfg,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
}

// Send delivers one photo with caption, retrying transient errors with an
// increasing delay before surfacing a final tri-state outcome.
func (s *Sender) Send(ctx context.Context, locator, caption, correlationID string) sender.Outcome {
	photo := &tele.Photo{File: fileFor(locator), Caption: caption}
	chat := &tele.Chat{ID: s.cfg.RecipientChatID}
	log := s.log.With(logx.String("correlation_id", correlationID))

	maxAttempts := 1 + s.cfg.RetryMax

	var lastReason string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return sender.Retryable("rate limiter: " + err.Error())
		}

		msg, err := s.sendOnce(ctx, chat, photo)
		if err == nil {
			ref := strconv.FormatInt(chat.ID, 10) + ":" + strconv.Itoa(msg.ID)
			log.Info("delivery sent", logx.String("ref", ref), logx.Int("attempt", attempt))
			return sender.Succeeded(ref)
		}

		class, waitHint := classify(err)
		lastReason = err.Error()
		if class == permanent {
			log.Warn("delivery rejected", logx.Err(err), logx.Int("attempt", attempt))
			return sender.Permanent(lastReason)
		}

		log.Warn("delivery attempt failed", logx.Err(err),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		// Increasing delay between attempts; a flood response overrides it
		// with the server-provided wait.
		delay := s.cfg.RetryBase * time.Duration(attempt)
		if waitHint > delay {
			delay = waitHint
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return sender.Retryable("canceled during backoff: " + lastReason)
		}
	}

	return sender.Retryable("attempts exhausted: " + lastReason)
}

func (s *Sender) sendOnce(ctx context.Context, chat *tele.Chat, photo *tele.Photo) (*tele.Message, error) {
	// telebot calls are not context-aware; bound them from our side so a
	// hung request cannot wedge the dispatch cycle.
	cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	type result struct {
		msg *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := s.bot.Send(chat, photo)
		ch <- result{msg: m, err: err}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-cctx.Done():
		return nil, fmt.Errorf("send timed out: %w", cctx.Err())
	}
}

func fileFor(locator string) tele.File {
	l := strings.TrimSpace(locator)
	if strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") {
		return tele.FromURL(l)
	}
	return tele.FromDisk(l)
}
