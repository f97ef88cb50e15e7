package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/escrowd/internal/domain"
)

// Memory is an in-process Store. Transactions are fully serialized and work
// on a copy of the state that replaces the committed state only when fn
// returns nil, so rollback behaves like the database.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	contracts map[string]domain.Contract
	payments  map[string]domain.Payment
	receipts  map[string]domain.WebhookReceipt
	entries   []domain.WalletEntry
	payouts   map[string]domain.PayoutRequest
	wallets   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		contracts: map[string]domain.Contract{},
		payments:  map[string]domain.Payment{},
		receipts:  map[string]domain.WebhookReceipt{},
		payouts:   map[string]domain.PayoutRequest{},
		wallets:   map[string]int64{},
	}}
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Ping reports the context error, if any.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Receipts returns a snapshot of stored webhook receipts, for tests and tooling.
func (m *Memory) Receipts() []domain.WebhookReceipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.WebhookReceipt, 0, len(m.state.receipts))
	for _, r := range m.state.receipts {
		out = append(out, r)
	}
	return out
}

func (s *memState) clone() *memState {
	c := &memState{
		contracts: make(map[string]domain.Contract, len(s.contracts)),
		payments:  make(map[string]domain.Payment, len(s.payments)),
		receipts:  make(map[string]domain.WebhookReceipt, len(s.receipts)),
		entries:   append([]domain.WalletEntry(nil), s.entries...),
		payouts:   make(map[string]domain.PayoutRequest, len(s.payouts)),
		wallets:   make(map[string]int64, len(s.wallets)),
	}
	for k, v := range s.contracts {
		c.contracts[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	return c
}

type memTx struct {
	s *memState
}

func copySignature(sig *domain.Signature) *domain.Signature {
	if sig == nil {
		return nil
	}
	return &domain.Signature{Blob: append([]byte(nil), sig.Blob...), SignedAt: sig.SignedAt}
}

func copyContract(c domain.Contract) *domain.Contract {
	c.ClientSignature = copySignature(c.ClientSignature)
	c.FreelancerSignature = copySignature(c.FreelancerSignature)
	return &c
}

func (t *memTx) CreateContract(_ context.Context, c *domain.Contract) error {
	if _, ok := t.s.contracts[c.ID]; ok {
		return fmt.Errorf("contract insert failed: duplicate id %s", c.ID)
	}
	t.s.contracts[c.ID] = *copyContract(*c)
	return nil
}

func (t *memTx) GetContract(_ context.Context, id string) (*domain.Contract, error) {
	c, ok := t.s.contracts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyContract(c), nil
}

func (t *memTx) LockContract(ctx context.Context, id string) (*domain.Contract, error) {
	return t.GetContract(ctx, id)
}

func (t *memTx) UpdateContract(_ context.Context, c *domain.Contract) error {
	cur, ok := t.s.contracts[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != c.Version {
		return domain.ErrConflict
	}
	c.Version++
	t.s.contracts[c.ID] = *copyContract(*c)
	return nil
}

func (t *memTx) phaseTaken(p *domain.Payment) error {
	for _, other := range t.s.payments {
		if other.ID == p.ID || other.ContractID != p.ContractID || other.Phase != p.Phase {
			continue
		}
		if p.State == domain.PaymentPaid && other.State == domain.PaymentPaid {
			return domain.ErrAlreadyPaid
		}
		if !p.State.Terminal() && !other.State.Terminal() {
			return domain.ErrInFlight
		}
	}
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *domain.Payment) error {
	if _, ok := t.s.contracts[p.ContractID]; !ok {
		return fmt.Errorf("payment insert failed: unknown contract %s", p.ContractID)
	}
	if err := t.phaseTaken(p); err != nil {
		return err
	}
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	p, ok := t.s.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) LockPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return t.GetPayment(ctx, id)
}

func (t *memTx) LockPaymentByExternalID(_ context.Context, externalLinkID string) (*domain.Payment, error) {
	if externalLinkID == "" {
		return nil, domain.ErrNotFound
	}
	for _, p := range t.s.payments {
		if p.ExternalLinkID == externalLinkID {
			return &p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (t *memTx) UpdatePayment(_ context.Context, p *domain.Payment) error {
	cur, ok := t.s.payments[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := t.phaseTaken(p); err != nil {
		return err
	}
	updated := *p
	updated.Amount = cur.Amount
	t.s.payments[p.ID] = updated
	return nil
}

func (t *memTx) ListPayments(_ context.Context, contractID string) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range t.s.payments {
		if p.ContractID == contractID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) ExpireStalePayments(_ context.Context, cutoff time.Time, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	for id, p := range t.s.payments {
		if len(out) >= limit {
			break
		}
		if p.State.Terminal() || !p.ExpiresAt.Before(cutoff) {
			continue
		}
		p.State = domain.PaymentExpired
		p.FailureReason = "link expired"
		p.UpdatedAt = cutoff
		t.s.payments[id] = p
		out = append(out, p)
	}
	return out, nil
}

func (t *memTx) InsertWebhookReceipt(_ context.Context, r *domain.WebhookReceipt) (bool, error) {
	if _, ok := t.s.receipts[r.EventID]; ok {
		return false, nil
	}
	stored := *r
	stored.Payload = append([]byte(nil), r.Payload...)
	t.s.receipts[r.EventID] = stored
	return true, nil
}

func (t *memTx) UpdateWebhookReceipt(_ context.Context, r *domain.WebhookReceipt) error {
	cur, ok := t.s.receipts[r.EventID]
	if !ok {
		return domain.ErrNotFound
	}
	cur.Processed = r.Processed
	cur.ProcessedAt = r.ProcessedAt
	cur.Note = r.Note
	t.s.receipts[r.EventID] = cur
	return nil
}

func (t *memTx) LockWallet(_ context.Context, freelancerID string) error {
	t.s.wallets[freelancerID]++
	return nil
}

func (t *memTx) InsertWalletEntry(_ context.Context, e *domain.WalletEntry) error {
	if _, ok := t.s.wallets[e.FreelancerID]; !ok {
		return fmt.Errorf("wallet entry insert failed: wallet %s not locked", e.FreelancerID)
	}
	for _, existing := range t.s.entries {
		if (e.PaymentID != "" && existing.PaymentID == e.PaymentID) ||
			(e.PayoutID != "" && existing.PayoutID == e.PayoutID) {
			return fmt.Errorf("%w: duplicate wallet entry", domain.ErrInternal)
		}
	}
	t.s.entries = append(t.s.entries, *e)
	return nil
}

func (t *memTx) WalletBalance(_ context.Context, freelancerID string) (domain.WalletBalance, error) {
	b := domain.WalletBalance{FreelancerID: freelancerID}
	for _, e := range t.s.entries {
		if e.FreelancerID != freelancerID {
			continue
		}
		if e.Kind == domain.EntryCredit {
			b.LifetimeEarnings += e.Amount
		} else {
			b.PaidOut += e.Amount
		}
	}
	b.Available = b.LifetimeEarnings - b.PaidOut
	return b, nil
}

func (t *memTx) ListWalletEntries(_ context.Context, freelancerID string, limit, offset int) ([]domain.WalletEntry, error) {
	var all []domain.WalletEntry
	for i := len(t.s.entries) - 1; i >= 0; i-- {
		if t.s.entries[i].FreelancerID == freelancerID {
			all = append(all, t.s.entries[i])
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (t *memTx) InsertPayout(_ context.Context, p *domain.PayoutRequest) error {
	if _, ok := t.s.payouts[p.ID]; ok {
		return fmt.Errorf("payout insert failed: duplicate id %s", p.ID)
	}
	t.s.payouts[p.ID] = *p
	return nil
}

func (t *memTx) LockPayout(_ context.Context, id string) (*domain.PayoutRequest, error) {
	p, ok := t.s.payouts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) UpdatePayout(_ context.Context, p *domain.PayoutRequest) error {
	if _, ok := t.s.payouts[p.ID]; !ok {
		return domain.ErrNotFound
	}
	t.s.payouts[p.ID] = *p
	return nil
}

func (t *memTx) ListPayouts(_ context.Context, freelancerID string) ([]domain.PayoutRequest, error) {
	var out []domain.PayoutRequest
	for _, p := range t.s.payouts {
		if p.FreelancerID == freelancerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
