package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/escrowd/internal/domain"
)

func seedContract(t *testing.T, s *Memory) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateContract(context.Background(), &domain.Contract{
			ID: "c1", ClientID: "cl", FreelancerID: "fr", TotalAmount: 1000, UpfrontPercent: 50,
			State: domain.ContractSigned, Version: 1,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestMemoryRollbackDiscardsWrites(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.InsertWebhookReceipt(ctx, &domain.WebhookReceipt{EventID: "evt_1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.InTx(ctx, func(tx Tx) error {
		inserted, err := tx.InsertWebhookReceipt(ctx, &domain.WebhookReceipt{EventID: "evt_1"})
		if err != nil {
			return err
		}
		if !inserted {
			t.Fatalf("receipt from rolled back tx must not survive")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(s.Receipts()); got != 1 {
		t.Fatalf("expected 1 receipt, got %d", got)
	}
}

func TestMemoryPaymentPhaseConstraints(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedContract(t, s)
	now := time.Now()

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertPayment(ctx, &domain.Payment{ID: "p1", ContractID: "c1", Phase: domain.PhaseUpfront, Amount: 500, State: domain.PaymentCreated, CreatedAt: now}); err != nil {
			return err
		}
		return tx.InsertPayment(ctx, &domain.Payment{ID: "p2", ContractID: "c1", Phase: domain.PhaseUpfront, Amount: 500, State: domain.PaymentCreated, CreatedAt: now})
	})
	if !errors.Is(err, domain.ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

func TestMemoryContractVersionConflict(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedContract(t, s)

	err := s.InTx(ctx, func(tx Tx) error {
		c, err := tx.LockContract(ctx, "c1")
		if err != nil {
			return err
		}
		stale := *c
		if err := tx.UpdateContract(ctx, c); err != nil {
			return err
		}
		return tx.UpdateContract(ctx, &stale)
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryWalletBalance(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.LockWallet(ctx, "fr"); err != nil {
			return err
		}
		if err := tx.InsertWalletEntry(ctx, &domain.WalletEntry{ID: "e1", FreelancerID: "fr", Kind: domain.EntryCredit, Amount: 450, PaymentID: "p1"}); err != nil {
			return err
		}
		if err := tx.InsertWalletEntry(ctx, &domain.WalletEntry{ID: "e2", FreelancerID: "fr", Kind: domain.EntryDebit, Amount: 100, PayoutID: "po1"}); err != nil {
			return err
		}
		b, err := tx.WalletBalance(ctx, "fr")
		if err != nil {
			return err
		}
		if b.Available != 350 || b.LifetimeEarnings != 450 || b.PaidOut != 100 {
			t.Fatalf("unexpected balance %+v", b)
		}
		dup := tx.InsertWalletEntry(ctx, &domain.WalletEntry{ID: "e3", FreelancerID: "fr", Kind: domain.EntryCredit, Amount: 450, PaymentID: "p1"})
		if !errors.Is(dup, domain.ErrInternal) {
			t.Fatalf("expected duplicate credit to be rejected, got %v", dup)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
