package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/escrowd/internal/domain"
	"github.com/punchamoorthee/escrowd/internal/gateway"
	"github.com/punchamoorthee/escrowd/internal/notify"
	"github.com/punchamoorthee/escrowd/internal/store"
	"github.com/shopspring/decimal"
)

const testSecret = "whsec_test"

type fakeGateway struct {
	mu     sync.Mutex
	calls  int
	err    error
	status string
}

func (g *fakeGateway) CreatePaymentLink(_ context.Context, req gateway.LinkRequest) (gateway.LinkResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return gateway.LinkResponse{}, g.err
	}
	id := "lnk_" + req.Reference
	return gateway.LinkResponse{ID: id, URL: "https://pay.example/" + id, Status: g.status}, nil
}

func (g *fakeGateway) fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) kinds() map[notify.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[notify.Kind]int{}
	for _, m := range r.msgs {
		out[m.Kind]++
	}
	return out
}

type harness struct {
	store     *store.Memory
	gw        *fakeGateway
	notes     *recorder
	contracts *ContractService
	payments  *PaymentService
	webhooks  *WebhookService
	wallet    *WalletService
	payouts   *PayoutService
	sweeper   *SweepService

	mu    sync.Mutex
	clock time.Time
}

var (
	client     = Actor{UserID: "client-1", Role: RoleClient}
	freelancer = Actor{UserID: "freelancer-1", Role: RoleFreelancer}
	admin      = Actor{UserID: "admin-1", Role: RoleAdmin}
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store: store.NewMemory(),
		gw:    &fakeGateway{},
		notes: &recorder{},
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.payments = NewPaymentService(h.store, h.gw, logger, time.Hour, "https://app.example/return")
	h.contracts = NewContractService(h.store, h.payments, h.notes, logger, 50, "USD")
	h.webhooks = NewWebhookService(h.store, h.contracts, h.notes, logger, testSecret, decimal.NewFromInt(10))
	h.wallet = NewWalletService(h.store)
	h.payouts = NewPayoutService(h.store, h.wallet, h.notes, logger)
	h.sweeper = NewSweepService(h.store, nil, logger)

	h.payments.now = h.now
	h.contracts.now = h.now
	h.webhooks.now = h.now
	h.payouts.now = h.now
	h.sweeper.now = h.now
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.clock = h.clock.Add(d)
	h.mu.Unlock()
}

func (h *harness) newContract(t *testing.T, total int64, upfront int) *domain.Contract {
	t.Helper()
	c, err := h.contracts.CreateContract(context.Background(), client, CreateContractInput{
		ClientID:       client.UserID,
		FreelancerID:   freelancer.UserID,
		JobID:          "job-1",
		Title:          "Landing page",
		TotalAmount:    total,
		UpfrontPercent: upfront,
		DurationDays:   14,
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return c
}

// signedContract creates a contract and has both parties sign it, which also
// requests the upfront payment link.
func (h *harness) signedContract(t *testing.T, total int64, upfront int) *domain.Contract {
	t.Helper()
	ctx := context.Background()
	c := h.newContract(t, total, upfront)
	if _, err := h.contracts.RecordSignature(ctx, client, c.ID, domain.PartyClient, []byte("client-sig")); err != nil {
		t.Fatalf("client signature: %v", err)
	}
	c, err := h.contracts.RecordSignature(ctx, freelancer, c.ID, domain.PartyFreelancer, []byte("freelancer-sig"))
	if err != nil {
		t.Fatalf("freelancer signature: %v", err)
	}
	return c
}

func (h *harness) contract(t *testing.T, id string) *domain.Contract {
	t.Helper()
	c, err := h.contracts.GetContract(context.Background(), admin, id)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	return c
}

func (h *harness) payment(t *testing.T, contractID string, phase domain.Phase, state domain.PaymentState) domain.Payment {
	t.Helper()
	payments, err := h.contracts.ListPayments(context.Background(), admin, contractID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	for _, p := range payments {
		if p.Phase == phase && p.State == state {
			return p
		}
	}
	t.Fatalf("no %s payment in state %s among %+v", phase, state, payments)
	return domain.Payment{}
}

func (h *harness) deliver(eventID, eventType, linkID string, amount int64) (WebhookOutcome, error) {
	body := []byte(fmt.Sprintf(`{"event_id":%q,"event_type":%q,"link_id":%q,"amount":%d}`, eventID, eventType, linkID, amount))
	return h.webhooks.Handle(context.Background(), gateway.Sign(testSecret, body), body)
}

func (h *harness) available(t *testing.T) int64 {
	t.Helper()
	b, err := h.wallet.Summary(context.Background(), freelancer, freelancer.UserID)
	if err != nil {
		t.Fatalf("wallet summary: %v", err)
	}
	return b.Available
}

func (h *harness) creditFreelancer(t *testing.T) *domain.Contract {
	t.Helper()
	c := h.signedContract(t, 1000, 50)
	upfront := h.payment(t, c.ID, domain.PhaseUpfront, domain.PaymentCreated)
	if _, err := h.deliver("evt_upfront", "paid", upfront.ExternalLinkID, upfront.Amount); err != nil {
		t.Fatalf("deliver upfront: %v", err)
	}
	return c
}
