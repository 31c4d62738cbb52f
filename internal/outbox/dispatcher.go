package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/store"
)

const (
	maxBackoff  = 10 * time.Minute
	tickLockKey = "posledger:outbox:dispatch"
)

// Queue is the slice of the repository the dispatcher needs.
type Queue interface {
	ClaimAccountingEntries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.AccountingQueueEntry, error)
	MarkAccountingSynced(ctx context.Context, entryID string, at time.Time) error
	MarkAccountingFailed(ctx context.Context, entryID string, lastError string, nextAttemptAt *time.Time, at time.Time) error
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
}

type Dispatcher struct {
	Queue     Queue
	Publisher Publisher
	Locker    cache.Locker
	Logger    *logrus.Logger

	BatchSize      int
	PollInterval   time.Duration
	Lease          time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Now            func() time.Time
}

// Result counts what one tick did.
type Result struct {
	Claimed int
	Synced  int
	Failed  int
	Dead    int
	Skipped bool
}

func NewDispatcher(queue Queue, publisher Publisher, locker cache.Locker, logger *logrus.Logger) *Dispatcher {
	if locker == nil {
		locker = cache.NoopLocker{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		Queue:          queue,
		Publisher:      publisher,
		Locker:         locker,
		Logger:         logger,
		BatchSize:      50,
		PollInterval:   time.Second,
		Lease:          30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	d.Logger.WithFields(logrus.Fields{
		"batch_size":    d.BatchSize,
		"poll_interval": d.PollInterval.String(),
	}).Info("accounting outbox dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("accounting outbox dispatcher stopped")
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			logging.LogError(d.Logger, "outbox", "Run", "dispatch tick", nil, err)
		}
		select {
		case <-ctx.Done():
			d.Logger.Info("accounting outbox dispatcher stopped")
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it. Another instance holding
// the tick lock makes this a no-op.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Result, error) {
	release, ok, err := d.Locker.Obtain(ctx, tickLockKey, d.Lease)
	if err != nil {
		d.Logger.WithError(err).Warn("outbox tick lock unavailable, relying on row claims")
	} else if !ok {
		return Result{Skipped: true}, nil
	} else {
		defer release()
	}

	now := d.Now()
	entries, err := d.Queue.ClaimAccountingEntries(ctx, now, d.BatchSize, d.Lease)
	if err != nil {
		return Result{}, err
	}

	result := Result{Claimed: len(entries)}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		pubErr := d.publish(ctx, entry)
		if pubErr == nil {
			if err := d.Queue.MarkAccountingSynced(ctx, entry.ID, d.Now()); err != nil {
				return result, err
			}
			result.Synced++
			continue
		}

		dead, err := d.markFailed(ctx, entry, pubErr)
		if err != nil {
			return result, err
		}
		if dead {
			result.Dead++
		} else {
			result.Failed++
		}
	}

	if result.Claimed > 0 {
		d.Logger.WithFields(logrus.Fields{
			"claimed": result.Claimed,
			"synced":  result.Synced,
			"failed":  result.Failed,
			"dead":    result.Dead,
		}).Info("accounting outbox tick")
	}
	return result, nil
}

func (d *Dispatcher) publish(ctx context.Context, entry domain.AccountingQueueEntry) error {
	sale, err := d.Queue.GetSale(ctx, entry.SaleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("sale %s not found", entry.SaleID)
		}
		return err
	}
	_, err = d.Publisher.Publish(ctx, newSaleMessage(entry, sale))
	return err
}

// markFailed schedules the next attempt, or parks the entry once it has used
// every attempt.
func (d *Dispatcher) markFailed(ctx context.Context, entry domain.AccountingQueueEntry, pubErr error) (bool, error) {
	now := d.Now()
	fields := logrus.Fields{
		"entry_id": entry.ID,
		"sale_id":  entry.SaleID,
		"attempt":  entry.Attempts,
	}

	if d.MaxAttempts > 0 && entry.Attempts >= d.MaxAttempts {
		msg := fmt.Sprintf("max attempts exceeded (%d): %v", d.MaxAttempts, pubErr)
		if err := d.Queue.MarkAccountingFailed(ctx, entry.ID, msg, nil, now); err != nil {
			return false, err
		}
		d.Logger.WithFields(fields).Error("accounting export gave up: " + pubErr.Error())
		return true, nil
	}

	next := now.Add(Backoff(d.InitialBackoff, entry.Attempts))
	if err := d.Queue.MarkAccountingFailed(ctx, entry.ID, pubErr.Error(), &next, now); err != nil {
		return false, err
	}
	fields["next_attempt_at"] = next.Format(time.RFC3339)
	d.Logger.WithFields(fields).Warn("accounting export failed: " + pubErr.Error())
	return false, nil
}

// Backoff doubles initial for each attempt after the first, capped at ten
// minutes.
func Backoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > maxBackoff {
			return maxBackoff
		}
	}
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}
