package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/escrowd/internal/domain"
)

// Store is the single source of truth. Every mutating operation runs as one
// ACID transaction through InTx; fn's error rolls the whole transaction back.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of statements available inside a transaction. Lock* methods
// take row locks held until commit. Missing rows return domain.ErrNotFound.
type Tx interface {
	CreateContract(ctx context.Context, c *domain.Contract) error
	GetContract(ctx context.Context, id string) (*domain.Contract, error)
	LockContract(ctx context.Context, id string) (*domain.Contract, error)
	UpdateContract(ctx context.Context, c *domain.Contract) error

	InsertPayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	LockPayment(ctx context.Context, id string) (*domain.Payment, error)
	LockPaymentByExternalID(ctx context.Context, externalLinkID string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	ListPayments(ctx context.Context, contractID string) ([]domain.Payment, error)
	// ExpireStalePayments flips created/pending payments whose expires_at is
	// before cutoff to expired and returns them.
	ExpireStalePayments(ctx context.Context, cutoff time.Time, limit int) ([]domain.Payment, error)

	// InsertWebhookReceipt returns inserted=false when the event id already exists.
	InsertWebhookReceipt(ctx context.Context, r *domain.WebhookReceipt) (inserted bool, err error)
	UpdateWebhookReceipt(ctx context.Context, r *domain.WebhookReceipt) error

	// LockWallet serializes every wallet mutation for a freelancer.
	LockWallet(ctx context.Context, freelancerID string) error
	InsertWalletEntry(ctx context.Context, e *domain.WalletEntry) error
	WalletBalance(ctx context.Context, freelancerID string) (domain.WalletBalance, error)
	ListWalletEntries(ctx context.Context, freelancerID string, limit, offset int) ([]domain.WalletEntry, error)

	InsertPayout(ctx context.Context, p *domain.PayoutRequest) error
	LockPayout(ctx context.Context, id string) (*domain.PayoutRequest, error)
	UpdatePayout(ctx context.Context, p *domain.PayoutRequest) error
	ListPayouts(ctx context.Context, freelancerID string) ([]domain.PayoutRequest, error)
}
