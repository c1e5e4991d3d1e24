// Package control exposes the scheduler's operations as owner-gated
// Telegram commands. It is the external admin surface of the bot; all
// operations are safe to invoke while the timer loop is running.
package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"pixbot/internal/dispatch"
	"pixbot/internal/scheduler"
	"pixbot/internal/storage"
	logx "pixbot/pkg/logx"
)

type Deps struct {
	Sched  *scheduler.Scheduler
	Store  *storage.Store
	Owners []int64
	Log    logx.Logger
}

type handler struct {
	deps   Deps
	owners map[int64]struct{}
}

// Register wires the admin commands onto the bot.
func Register(bot *tele.Bot, deps Deps) {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	h := &handler{deps: deps, owners: map[int64]struct{}{}}
	for _, id := range deps.Owners {
		h.owners[id] = struct{}{}
	}

	bot.Handle("/status", h.gate(h.status))
	bot.Handle("/next", h.gate(h.next))
	bot.Handle("/sendnow", h.gate(h.sendNow))
	bot.Handle("/pause", h.gate(h.pause))
	bot.Handle("/resume", h.gate(h.resume))
	bot.Handle("/pool", h.gate(h.pool))
	bot.Handle("/recent", h.gate(h.recent))
}

// gate drops commands from anyone not on the owner list. Silent drop, so
// strangers can't probe which commands exist.
func (h *handler) gate(fn func(tele.Context) error) func(tele.Context) error {
	return func(c tele.Context) error {
		s := c.Sender()
		if s == nil {
			return nil
		}
		if _, ok := h.owners[s.ID]; !ok {
			h.deps.Log.Debug("command from non-owner ignored",
				logx.Int64("user_id", s.ID), logx.String("text", c.Text()))
			return nil
		}
		return fn(c)
	}
}

func (h *handler) status(c tele.Context) error {
	snap := h.deps.Sched.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", snap.State)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if n, err := h.deps.Store.CountUnsent(ctx); err == nil {
		fmt.Fprintf(&b, "unseen this rotation: %d\n", n)
	}
	cancel()
	if !snap.NextFireAt.IsZero() {
		fmt.Fprintf(&b, "next delivery: %s (in %s)\n",
			snap.NextFireAt.Format(time.RFC3339), time.Until(snap.NextFireAt).Round(time.Second))
	} else {
		b.WriteString("next delivery: none armed\n")
	}
	if lo := snap.LastOutcome; lo != nil {
		fmt.Fprintf(&b, "last cycle: %s at %s", lo.Outcome, lo.At.Format(time.RFC3339))
		if lo.ImageID != 0 {
			fmt.Fprintf(&b, " (image %d)", lo.ImageID)
		}
		if lo.Reason != "" {
			fmt.Fprintf(&b, "\n  reason: %s", lo.Reason)
		}
	} else {
		b.WriteString("last cycle: none yet")
	}
	return c.Send(b.String())
}

func (h *handler) next(c tele.Context) error {
	at, ok := h.deps.Sched.NextFireTime()
	if !ok {
		return c.Send("scheduler is not running")
	}
	return c.Send(fmt.Sprintf("next delivery at %s (in %s)",
		at.Format(time.RFC3339), time.Until(at).Round(time.Second)))
}

// sendNow fires one cycle immediately without consuming the armed schedule.
// An optional argument picks a specific image by id.
func (h *handler) sendNow(c tele.Context) error {
	var imageID int64
	if arg := strings.TrimSpace(c.Message().Payload); arg != "" {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return c.Send("usage: /sendnow [image-id]")
		}
		imageID = id
	}

	res, err := h.deps.Sched.ForceFire(context.Background(), imageID)
	if errors.Is(err, scheduler.ErrCycleInFlight) {
		return c.Send("a delivery is already in progress; try again in a moment")
	}
	if err != nil {
		return c.Send("force fire failed: " + err.Error())
	}
	return c.Send(describeCycle(res))
}

func (h *handler) pause(c tele.Context) error {
	if !h.deps.Sched.IsRunning() {
		return c.Send("already paused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := h.deps.Sched.Stop(ctx); err != nil {
		return c.Send("pause failed: " + err.Error())
	}
	return c.Send("deliveries paused; schedule disarmed")
}

func (h *handler) resume(c tele.Context) error {
	if h.deps.Sched.IsRunning() {
		return c.Send("already running")
	}
	if err := h.deps.Sched.Start(context.Background()); err != nil {
		return c.Send("resume failed: " + err.Error())
	}
	at, _ := h.deps.Sched.NextFireTime()
	return c.Send("deliveries resumed; next at " + at.Format(time.RFC3339))
}

func (h *handler) pool(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.deps.Store.Stats(ctx)
	if err != nil {
		return c.Send("pool stats failed: " + err.Error())
	}
	return c.Send(fmt.Sprintf("pool: %d images, %d active, %d unseen this rotation",
		st.Total, st.Active, st.Unsent))
}

func (h *handler) recent(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := h.deps.Store.RecentDeliveries(ctx, 10)
	if err != nil {
		return c.Send("delivery log read failed: " + err.Error())
	}
	if len(rows) == 0 {
		return c.Send("no deliveries logged yet")
	}

	var b strings.Builder
	b.WriteString("recent deliveries:\n")
	for _, d := range rows {
		fmt.Fprintf(&b, "%s  %s", d.At.Format("2006-01-02 15:04"), d.Outcome)
		if d.ImageID != 0 {
			fmt.Fprintf(&b, "  image=%d", d.ImageID)
		}
		if d.Forced {
			b.WriteString("  (forced)")
		}
		b.WriteString("\n")
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

func describeCycle(res dispatch.CycleResult) string {
	switch res.Outcome {
	case dispatch.OutcomeSent:
		return fmt.Sprintf("sent image %d (ref %s)", res.ImageID, res.Reference)
	case dispatch.OutcomePoolExhausted:
		return "pool is empty; nothing to send"
	default:
		return fmt.Sprintf("cycle ended with %s: %s", res.Outcome, res.Reason)
	}
}
