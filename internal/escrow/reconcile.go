package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Reconciler periodically scans for IN_REVIEW transactions whose review
// deadline has passed and re-issues the timeout command. It backstops
// the in-process clock: timer fires lost to a crash or restart are
// recovered here, and duplicates are harmless because the timeout
// command is idempotent.
type Reconciler struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReconciler creates a reconciliation sweep over the given store.
func NewReconciler(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(rec))
		}
	}()
	r.sweep(ctx)
}

func (r *Reconciler) sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := r.store.ListInReviewExpired(ctx, now, 100)
	if err != nil {
		r.logger.Warn("failed to list expired reviews", "error", err)
		return
	}

	for _, txn := range expired {
		if txn.ReviewDeadline == nil {
			continue
		}
		applied, err := r.service.ReviewTimeout(ctx, txn.ID, *txn.ReviewDeadline)
		if err != nil {
			r.logger.Warn("failed to time out review",
				"transaction_id", txn.ID,
				"error", err,
			)
			continue
		}
		if applied {
			r.logger.Info("review window expired via sweep",
				"transaction_id", txn.ID,
				"buyer", txn.BuyerID,
				"seller", txn.SellerID,
				"amount", txn.Amount,
			)
		}
	}
}
