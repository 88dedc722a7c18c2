package tracker

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Bidon15/blueprint-manager/internal/metrics"
)

// maxRetries bounds how many times the reaper retries a failing cleanup
// handler before giving up and surfacing the record as Failed (spec.md §4.5
// "after which the record is moved to Failed and surfaced for operator
// attention").
const maxRetries = 8

// Reaper periodically sweeps the store for expired records and runs their
// cleanup handlers (spec.md §4.5, the C5 background task).
type Reaper struct {
	Store    *Store
	Handlers HandlerTable
	Logger   *slog.Logger
	Interval time.Duration
}

// NewReaper builds a Reaper polling at interval (spec.md default 30s).
func NewReaper(store *Store, handlers HandlerTable, logger *slog.Logger, interval time.Duration) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{Store: store, Handlers: handlers, Logger: logger, Interval: interval}
}

// Run blocks sweeping on a fixed period, additionally waking early if an
// earlier TTL is pending, until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	for {
		if _, err := r.ReapExpired(ctx); err != nil {
			r.Logger.Error("tracker: reap cycle failed", "err", err)
		}
		metrics.ReaperCyclesTotal.Inc()

		wait := r.Interval
		if next, ok := r.Store.nextExpiry(); ok {
			if d := time.Until(next); d > 0 && d < wait {
				wait = d
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ReapExpired pops every record whose ExpiresAt has elapsed, in ascending
// expiry order, and runs its cleanup handler. It also retries records
// already in Terminating whose NextRetryAt has arrived. Returns the IDs
// successfully removed.
func (r *Reaper) ReapExpired(ctx context.Context) ([]string, error) {
	now := time.Now()
	candidates := r.Store.List(func(rec Record) bool {
		if rec.Status == StatusTerminating {
			return rec.NextRetryAt.IsZero() || !rec.NextRetryAt.After(now)
		}
		return rec.expired(now) && rec.Status != StatusFailed
	})
	sort.Slice(candidates, func(i, j int) bool {
		ei, ej := candidates[i].ExpiresAt, candidates[j].ExpiresAt
		if ei == nil || ej == nil {
			return false
		}
		return ei.Before(*ej)
	})

	var removed []string
	for _, rec := range candidates {
		if err := r.Cleanup(ctx, rec.ID); err != nil {
			r.Logger.Warn("tracker: cleanup failed, will retry", "record", rec.ID, "type", rec.DeploymentType, "err", err)
			continue
		}
		if _, still := r.Store.GetByID(rec.ID); still {
			continue
		}
		removed = append(removed, rec.ID)
	}
	return removed, nil
}

// Cleanup runs rec's handler once (manual trigger, spec.md §4.5 "cleanup(id)"),
// applying the retry/backoff/Failed-cap bookkeeping on failure.
func (r *Reaper) Cleanup(ctx context.Context, id string) error {
	rec, ok := r.Store.GetByID(id)
	if !ok {
		return nil
	}

	handler, ok := r.Handlers[rec.DeploymentType]
	if !ok {
		r.Logger.Error("tracker: no cleanup handler for deployment type, marking unknown", "record", rec.ID, "type", rec.DeploymentType)
		rec.Status = StatusUnknown
		return r.Store.Register(rec)
	}

	if rec.Status != StatusTerminating {
		rec.Status = StatusTerminating
		if err := r.Store.Register(rec); err != nil {
			return err
		}
	}

	if err := handler(ctx, rec); err != nil {
		rec.RetryCount++
		if rec.RetryCount >= maxRetries {
			rec.Status = StatusFailed
			r.Logger.Error("tracker: cleanup retries exhausted, record marked failed", "record", rec.ID, "type", rec.DeploymentType)
			if regErr := r.Store.Register(rec); regErr != nil {
				return regErr
			}
			return err
		}
		rec.NextRetryAt = time.Now().Add(backoff(rec.RetryCount))
		if regErr := r.Store.Register(rec); regErr != nil {
			return regErr
		}
		return err
	}

	return r.Store.remove(rec.ID)
}

func backoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < 10*time.Minute; i++ {
		d *= 2
	}
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}
