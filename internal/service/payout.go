package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/escrowd/internal/domain"
	"github.com/punchamoorthee/escrowd/internal/notify"
	"github.com/punchamoorthee/escrowd/internal/store"
)

type PayoutService struct {
	store    store.Store
	wallet   *WalletService
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewPayoutService(s store.Store, wallet *WalletService, n notify.Notifier, logger *slog.Logger) *PayoutService {
	return &PayoutService{
		store:    s,
		wallet:   wallet,
		notifier: n,
		logger:   logger.With("module", "payouts"),
		now:      utcNow,
	}
}

// SubmitPayout records a pending withdrawal. The balance check runs against
// the live entry sum under the wallet lock.
func (s *PayoutService) SubmitPayout(ctx context.Context, actor Actor, freelancerID string, amount int64, bank domain.BankDetails) (*domain.PayoutRequest, error) {
	if !actor.Is(freelancerID) {
		return nil, domain.ErrForbidden
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: payout amount must be positive", domain.ErrInvalidInput)
	}
	if !bank.Valid() {
		return nil, fmt.Errorf("%w: bank details are incomplete", domain.ErrInvalidInput)
	}

	var payout *domain.PayoutRequest
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockWallet(ctx, freelancerID); err != nil {
			return err
		}
		available, err := s.wallet.GetAvailableBalance(ctx, tx, freelancerID)
		if err != nil {
			return err
		}
		if amount > available {
			return fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientBalance, amount, available)
		}
		now := s.now()
		payout = &domain.PayoutRequest{
			ID:           uuid.NewString(),
			FreelancerID: freelancerID,
			Amount:       amount,
			State:        domain.PayoutPending,
			BankDetails:  bank,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.InsertPayout(ctx, payout)
	})
	if err != nil {
		s.logger.Warn("payout rejected", "freelancer_id", freelancerID, "amount", amount, "error", err)
		return nil, err
	}
	s.logger.Info("payout submitted", "payout_id", payout.ID, "freelancer_id", freelancerID, "amount", amount)
	return payout, nil
}

// ApprovePayout re-checks the balance and writes the debit in the same
// transaction as the state flip. On ErrInsufficientBalance nothing changes and
// the request stays pending.
func (s *PayoutService) ApprovePayout(ctx context.Context, actor Actor, payoutID string) (*domain.PayoutRequest, error) {
	if !actor.Privileged() {
		return nil, domain.ErrForbidden
	}
	if !validID(payoutID) {
		return nil, domain.ErrNotFound
	}

	var (
		payout *domain.PayoutRequest
		debit  domain.WalletEntry
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		payout, err = tx.LockPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if payout.State != domain.PayoutPending {
			return fmt.Errorf("%w: payout is %s", domain.ErrInvalidState, payout.State)
		}
		if err := tx.LockWallet(ctx, payout.FreelancerID); err != nil {
			return err
		}
		available, err := s.wallet.GetAvailableBalance(ctx, tx, payout.FreelancerID)
		if err != nil {
			return err
		}
		if payout.Amount > available {
			return fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientBalance, payout.Amount, available)
		}

		now := s.now()
		debit = domain.WalletEntry{
			ID:           uuid.NewString(),
			FreelancerID: payout.FreelancerID,
			Kind:         domain.EntryDebit,
			Amount:       payout.Amount,
			PayoutID:     payout.ID,
			CreatedAt:    now,
		}
		if err := tx.InsertWalletEntry(ctx, &debit); err != nil {
			return err
		}
		payout.State = domain.PayoutApproved
		payout.UpdatedAt = now
		payout.DecidedAt = &now
		return tx.UpdatePayout(ctx, payout)
	})
	if err != nil {
		s.logger.Warn("payout approval failed", "payout_id", payoutID, "error", err)
		return nil, err
	}

	walletMovements.WithLabelValues(string(domain.EntryDebit)).Add(float64(debit.Amount))
	s.logger.Info("payout approved", "payout_id", payout.ID, "freelancer_id", payout.FreelancerID, "amount", payout.Amount, "by", actor.UserID)
	notify.Send(ctx, s.notifier, s.logger, notify.Message{
		Kind:       notify.PayoutApproved,
		Recipients: []string{payout.FreelancerID},
		PayoutID:   payout.ID,
		Amount:     payout.Amount,
		OccurredAt: s.now(),
	})
	return payout, nil
}

// CompletePayout marks an approved payout as settled by the bank.
func (s *PayoutService) CompletePayout(ctx context.Context, actor Actor, payoutID string) (*domain.PayoutRequest, error) {
	return s.decide(ctx, actor, payoutID, domain.PayoutApproved, domain.PayoutCompleted, "")
}

// RejectPayout declines a pending payout. No wallet entry is written.
func (s *PayoutService) RejectPayout(ctx context.Context, actor Actor, payoutID, reason string) (*domain.PayoutRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", domain.ErrInvalidInput)
	}
	return s.decide(ctx, actor, payoutID, domain.PayoutPending, domain.PayoutRejected, reason)
}

func (s *PayoutService) decide(ctx context.Context, actor Actor, payoutID string, from, to domain.PayoutState, reason string) (*domain.PayoutRequest, error) {
	if !actor.Privileged() {
		return nil, domain.ErrForbidden
	}
	if !validID(payoutID) {
		return nil, domain.ErrNotFound
	}
	var payout *domain.PayoutRequest
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		payout, err = tx.LockPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if payout.State != from {
			return fmt.Errorf("%w: payout is %s", domain.ErrInvalidState, payout.State)
		}
		now := s.now()
		payout.State = to
		payout.UpdatedAt = now
		if to == domain.PayoutRejected {
			payout.RejectionReason = reason
			payout.DecidedAt = &now
		}
		return tx.UpdatePayout(ctx, payout)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payout updated", "payout_id", payout.ID, "state", payout.State, "by", actor.UserID)
	return payout, nil
}

func (s *PayoutService) ListPayouts(ctx context.Context, actor Actor, freelancerID string) ([]domain.PayoutRequest, error) {
	if !actor.Is(freelancerID) {
		return nil, domain.ErrForbidden
	}
	var out []domain.PayoutRequest
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListPayouts(ctx, freelancerID)
		return err
	})
	return out, err
}
