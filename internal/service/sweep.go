package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/punchamoorthee/escrowd/internal/lock"
	"github.com/punchamoorthee/escrowd/internal/store"
)

const sweepBatch = 500

// SweepService expires payment links that outlived their TTL without a
// gateway event.
type SweepService struct {
	store  store.Store
	locker lock.Locker
	logger *slog.Logger
	now    func() time.Time
}

func NewSweepService(s store.Store, locker lock.Locker, logger *slog.Logger) *SweepService {
	if locker == nil {
		locker = lock.Local{}
	}
	return &SweepService{store: s, locker: locker, logger: logger.With("module", "sweeper"), now: utcNow}
}

// SweepOnce expires stale payments in batches and returns how many moved.
// It does nothing when another replica holds the lease.
func (s *SweepService) SweepOnce(ctx context.Context, lease time.Duration) (int, error) {
	release, ok, err := s.locker.Acquire(ctx, "payment-sweep", lease)
	if err != nil {
		return 0, err
	}
	if !ok {
		s.logger.Debug("sweep skipped, lease held elsewhere")
		return 0, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release sweep lease", "error", err)
		}
	}()

	total := 0
	cutoff := s.now()
	for {
		var n int
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			expired, err := tx.ExpireStalePayments(ctx, cutoff, sweepBatch)
			if err != nil {
				return err
			}
			n = len(expired)
			for _, p := range expired {
				s.logger.Info("payment expired", "payment_id", p.ID, "contract_id", p.ContractID, "phase", p.Phase)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
		paymentsExpired.Add(float64(n))
		if n < sweepBatch {
			return total, nil
		}
	}
}

// Run sweeps every interval until ctx is done.
func (s *SweepService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.SweepOnce(ctx, interval); err != nil {
			s.logger.Error("sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("sweep finished", "expired", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
