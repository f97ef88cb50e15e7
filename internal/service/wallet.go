package service

import (
	"context"

	"github.com/punchamoorthee/escrowd/internal/domain"
	"github.com/punchamoorthee/escrowd/internal/store"
)

const maxHistoryPage = 200

type WalletService struct {
	store store.Store
}

func NewWalletService(s store.Store) *WalletService {
	return &WalletService{store: s}
}

// GetAvailableBalance sums the freelancer's entries inside tx. Callers that
// debit must hold the wallet lock (tx.LockWallet) first.
func (s *WalletService) GetAvailableBalance(ctx context.Context, tx store.Tx, freelancerID string) (int64, error) {
	b, err := tx.WalletBalance(ctx, freelancerID)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}

func (s *WalletService) Summary(ctx context.Context, actor Actor, freelancerID string) (domain.WalletBalance, error) {
	if !actor.Is(freelancerID) {
		return domain.WalletBalance{}, domain.ErrForbidden
	}
	var b domain.WalletBalance
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		b, err = tx.WalletBalance(ctx, freelancerID)
		return err
	})
	return b, err
}

// History returns entries newest first.
func (s *WalletService) History(ctx context.Context, actor Actor, freelancerID string, limit, offset int) ([]domain.WalletEntry, error) {
	if !actor.Is(freelancerID) {
		return nil, domain.ErrForbidden
	}
	if limit <= 0 || limit > maxHistoryPage {
		limit = maxHistoryPage
	}
	if offset < 0 {
		offset = 0
	}
	var out []domain.WalletEntry
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListWalletEntries(ctx, freelancerID, limit, offset)
		return err
	})
	return out, err
}
