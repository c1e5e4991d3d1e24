// Package dispatch runs one delivery cycle: select an unseen image, send it,
// record the outcome. Rescheduling stays with the scheduler; everything that
// can fail inside a cycle is contained here so a bad send never stalls the
// timer loop.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pixbot/internal/sender"
	"pixbot/internal/storage"
	logx "pixbot/pkg/logx"
)

// ErrImageNotFound mirrors the storage error for explicit-id cycles.
var ErrImageNotFound = storage.ErrImageNotFound

// Pool is the slice of storage the dispatcher consumes. Each call is
// individually atomic; the dispatcher composes them under the scheduler's
// single-cycle serialization.
type Pool interface {
	SelectRandomUnsent(ctx context.Context) (*storage.Image, error)
	GetImage(ctx context.Context, id int64) (*storage.Image, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	ResetAllSent(ctx context.Context) (int64, error)
	AppendDelivery(ctx context.Context, d storage.Delivery) error
}

// CycleOutcome describes how one cycle ended.
type CycleOutcome string

const (
	OutcomeSent          CycleOutcome = "success"
	OutcomeRetryable     CycleOutcome = "retryable_failure"
	OutcomePermanent     CycleOutcome = "permanent_failure"
	OutcomePoolExhausted CycleOutcome = "pool_exhausted"
	OutcomeError         CycleOutcome = "error"
)

// CycleResult is the queryable "last cycle outcome" surfaced through the
// control layer.
type CycleResult struct {
	At            time.Time
	Outcome       CycleOutcome
	ImageID       int64
	CorrelationID string
	Reference     string
	Reason        string
	Forced        bool
	PoolReset     bool
	Took          time.Duration
}

type Dispatcher struct {
	pool   Pool
	sender sender.Sender
	log    logx.Logger
}

func New(pool Pool, snd sender.Sender, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{pool: pool, sender: snd, log: log}
}

// RunCycle executes one normal cycle: uniform-random selection over the
// eligible pool, with a single atomic reset-and-reselect when exhausted.
func (d *Dispatcher) RunCycle(ctx context.Context) CycleResult {
	return d.run(ctx, 0, false)
}

// RunCycleFor bypasses selection for an explicit image but still goes
// through the same send/update/outcome machinery. Used by force-fire.
func (d *Dispatcher) RunCycleFor(ctx context.Context, imageID int64) CycleResult {
	return d.run(ctx, imageID, true)
}

func (d *Dispatcher) run(ctx context.Context, imageID int64, forced bool) CycleResult {
	start := time.Now()
	res := CycleResult{
		At:            start,
		CorrelationID: uuid.NewString(),
		Forced:        forced,
	}
	log := d.log.With(logx.String("correlation_id", res.CorrelationID))

	img, err := d.pick(ctx, imageID, &res, log)
	if err != nil {
		res.Outcome = OutcomeError
		res.Reason = err.Error()
		log.Error("cycle selection failed", logx.Err(err))
		d.finish(ctx, &res, start)
		return res
	}
	if img == nil {
		// No active images at all, even after the reset. Expected steady
		// state for an empty pool, not an error.
		res.Outcome = OutcomePoolExhausted
		res.Reason = "no active images in pool"
		log.Warn("pool exhausted; skipping delivery")
		d.finish(ctx, &res, start)
		return res
	}

	res.ImageID = img.ID
	out := d.sender.Send(ctx, img.Locator, img.Caption, res.CorrelationID)

	switch out.Kind {
	case sender.Success:
		res.Outcome = OutcomeSent
		res.Reference = out.Reference
		// One atomic update: sent, send_count and last_sent move together.
		// A crash between send-success and this write resends the item on
		// next boot, which beats silently losing it.
		if err := d.pool.MarkSent(ctx, img.ID, time.Now()); err != nil {
			res.Reason = "mark sent: " + err.Error()
			log.Error("sent but not recorded; item may repeat", logx.Int64("image_id", img.ID), logx.Err(err))
		} else {
			log.Info("image delivered", logx.Int64("image_id", img.ID), logx.String("ref", out.Reference))
		}
	case sender.RetryableFailure:
		res.Outcome = OutcomeRetryable
		res.Reason = out.Reason
		log.Warn("delivery failed (transient); image stays eligible",
			logx.Int64("image_id", img.ID), logx.String("reason", out.Reason))
	case sender.PermanentFailure:
		res.Outcome = OutcomePermanent
		res.Reason = out.Reason
		log.Warn("delivery failed (permanent); image left untouched",
			logx.Int64("image_id", img.ID), logx.String("reason", out.Reason))
	}

	d.finish(ctx, &res, start)
	return res
}

// pick resolves the image for this cycle. For normal cycles an exhausted
// pool triggers exactly one all-or-nothing reset before the second (final)
// selection attempt.
func (d *Dispatcher) pick(ctx context.Context, imageID int64, res *CycleResult, log logx.Logger) (*storage.Image, error) {
	if imageID != 0 {
		return d.pool.GetImage(ctx, imageID)
	}

	img, err := d.pool.SelectRandomUnsent(ctx)
	if err != nil {
		return nil, err
	}
	if img != nil {
		return img, nil
	}

	n, err := d.pool.ResetAllSent(ctx)
	if err != nil {
		return nil, err
	}
	res.PoolReset = true
	log.Info("all images seen; pool rotation reset", logx.Int64("reset_count", n))

	return d.pool.SelectRandomUnsent(ctx)
}

func (d *Dispatcher) finish(ctx context.Context, res *CycleResult, start time.Time) {
	res.Took = time.Since(start)
	entry := storage.Delivery{
		At:            res.At,
		ImageID:       res.ImageID,
		CorrelationID: res.CorrelationID,
		Outcome:       string(res.Outcome),
		Reference:     res.Reference,
		Error:         res.Reason,
		Forced:        res.Forced,
		TookMS:        res.Took.Milliseconds(),
	}
	if err := d.pool.AppendDelivery(ctx, entry); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn("delivery log write failed", logx.Err(err))
	}
}
