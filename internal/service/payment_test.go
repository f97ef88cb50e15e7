package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/escrowd/internal/domain"
	"github.com/punchamoorthee/escrowd/internal/gateway"
	"github.com/punchamoorthee/escrowd/internal/store"
)

func TestRequestPaymentGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending := h.newContract(t, 1000, 50)
	if _, err := h.payments.RequestPayment(ctx, client, pending.ID, domain.PhaseUpfront, 0); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("unsigned contract: expected ErrInvalidState, got %v", err)
	}

	c := h.signedContract(t, 1000, 50)
	if _, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseUpfront, 0); !errors.Is(err, domain.ErrInFlight) {
		t.Fatalf("expected ErrInFlight while the upfront link is open, got %v", err)
	}
	if _, err := h.payments.RequestPayment(ctx, freelancer, c.ID, domain.PhaseCompletion, 0); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("freelancer requesting payment: expected ErrForbidden, got %v", err)
	}
	if _, err := h.payments.RequestPayment(ctx, client, c.ID, domain.Phase("bonus"), 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("unknown phase: expected ErrInvalidInput, got %v", err)
	}

	upfront := h.payment(t, c.ID, domain.PhaseUpfront, domain.PaymentCreated)
	if _, err := h.deliver("evt_1", "paid", upfront.ExternalLinkID, 500); err != nil {
		t.Fatal(err)
	}
	if _, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseUpfront, 0); !errors.Is(err, domain.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestRequestPaymentSplitsTotal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.signedContract(t, 1001, 30)

	upfront := h.payment(t, c.ID, domain.PhaseUpfront, domain.PaymentCreated)
	completion, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseCompletion, 0)
	if err != nil {
		t.Fatal(err)
	}
	if upfront.Amount != 300 || completion.Payment.Amount != 701 {
		t.Fatalf("split = %d/%d, want 300/701", upfront.Amount, completion.Payment.Amount)
	}
	if completion.RedirectURL == "" || completion.RedirectURL != completion.Payment.LinkURL {
		t.Fatalf("redirect url %q, link %q", completion.RedirectURL, completion.Payment.LinkURL)
	}
}

func TestRequestPaymentMilestone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.signedContract(t, 1000, 50)

	if _, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseMilestone, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("milestone without amount: expected ErrInvalidInput, got %v", err)
	}
	if _, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseMilestone, 1001); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("milestone above total: expected ErrInvalidInput, got %v", err)
	}
	link, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseMilestone, 250)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.deliver("evt_ms", "paid", link.Payment.ExternalLinkID, 250); err != nil {
		t.Fatal(err)
	}
	if got := h.contract(t, c.ID); got.State != domain.ContractSigned {
		t.Fatalf("milestone must not move the contract, state %s", got.State)
	}
	if got := h.available(t); got != 225 {
		t.Fatalf("available = %d, want 225", got)
	}
}

func TestConcurrentRequestsReserveOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.signedContract(t, 1000, 50)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		inFlight  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseCompletion, 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrInFlight):
				inFlight++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || inFlight != workers-1 {
		t.Fatalf("successes=%d in_flight=%d", successes, inFlight)
	}
	// one upfront link from signing plus one completion link
	if h.gw.calls != 2 {
		t.Fatalf("gateway calls = %d, want 2", h.gw.calls)
	}
}

func TestGatewayFailureMarksReservationFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.signedContract(t, 1000, 50)

	h.gw.fail(errors.New("connection reset"))
	_, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseCompletion, 0)
	if !errors.Is(err, domain.ErrGatewayUnavailable) || !domain.Retryable(err) {
		t.Fatalf("expected retryable ErrGatewayUnavailable, got %v", err)
	}
	failed := h.payment(t, c.ID, domain.PhaseCompletion, domain.PaymentFailed)
	if failed.ExternalLinkID != "" || failed.FailureReason == "" {
		t.Fatalf("unexpected failed row %+v", failed)
	}

	h.gw.fail(nil)
	link, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseCompletion, 0)
	if err != nil {
		t.Fatalf("retry after outage: %v", err)
	}
	if link.Payment.ID == failed.ID {
		t.Fatal("failed reservation must not be reused")
	}
}

func TestPendingStatusFromGateway(t *testing.T) {
	h := newHarness(t)
	h.gw.status = "pending"
	c := h.signedContract(t, 1000, 50)
	h.payment(t, c.ID, domain.PhaseUpfront, domain.PaymentPending)
}

func TestStaleLinkExpiredOnNextRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.signedContract(t, 1000, 50)
	old := h.payment(t, c.ID, domain.PhaseUpfront, domain.PaymentCreated)

	h.advance(2 * time.Hour)
	link, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseUpfront, 0)
	if err != nil {
		t.Fatalf("request after ttl: %v", err)
	}
	if link.Payment.ID == old.ID {
		t.Fatal("expected a fresh payment row")
	}
	expired := h.payment(t, c.ID, domain.PhaseUpfront, domain.PaymentExpired)
	if expired.ID != old.ID {
		t.Fatalf("expired %s, want %s", expired.ID, old.ID)
	}
}

func TestRequestPaymentRejectsZeroAmountPhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// rows written before split validation existed
	c := &domain.Contract{
		ID:             "contract-tiny",
		ClientID:       client.UserID,
		FreelancerID:   freelancer.UserID,
		Title:          "Tiny",
		TotalAmount:    1,
		Currency:       "USD",
		UpfrontPercent: 50,
		State:          domain.ContractSigned,
		Version:        1,
		CreatedAt:      h.now(),
	}
	if err := h.store.InTx(ctx, func(tx store.Tx) error { return tx.CreateContract(ctx, c) }); err != nil {
		t.Fatal(err)
	}

	if _, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseUpfront, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("zero upfront amount: expected ErrInvalidInput, got %v", err)
	}
	payments, err := h.contracts.ListPayments(ctx, admin, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(payments) != 0 || h.gw.calls != 0 {
		t.Fatalf("payments %+v, gateway calls %d", payments, h.gw.calls)
	}
}

// cancelingGateway cancels the caller's context once the link exists, as a
// client disconnecting mid-request would.
type cancelingGateway struct {
	*fakeGateway
	cancel context.CancelFunc
}

func (g cancelingGateway) CreatePaymentLink(ctx context.Context, req gateway.LinkRequest) (gateway.LinkResponse, error) {
	link, err := g.fakeGateway.CreatePaymentLink(ctx, req)
	g.cancel()
	return link, err
}

func TestAttachSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	c := h.signedContract(t, 1000, 50)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewPaymentService(h.store, cancelingGateway{fakeGateway: h.gw, cancel: cancel}, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Hour, "")
	svc.now = h.now

	link, err := svc.RequestPayment(ctx, client, c.ID, domain.PhaseCompletion, 0)
	if err != nil {
		t.Fatalf("request with canceled caller: %v", err)
	}
	got := h.payment(t, c.ID, domain.PhaseCompletion, domain.PaymentCreated)
	if got.ID != link.Payment.ID || got.ExternalLinkID != "lnk_"+got.ID {
		t.Fatalf("link not attached: %+v", got)
	}
}

// flakyStore fails the n-th transaction before it starts.
type flakyStore struct {
	*store.Memory
	mu     sync.Mutex
	calls  int
	failOn int
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n == s.failOn {
		return errors.New("connection lost")
	}
	return s.Memory.InTx(ctx, fn)
}

func TestAttachFailureReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.signedContract(t, 1000, 50)

	// reserve, attach, mark failed
	svc := NewPaymentService(&flakyStore{Memory: h.store, failOn: 2}, h.gw, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Hour, "")
	svc.now = h.now
	if _, err := svc.RequestPayment(ctx, client, c.ID, domain.PhaseCompletion, 0); err == nil {
		t.Fatal("expected attach failure")
	}
	failed := h.payment(t, c.ID, domain.PhaseCompletion, domain.PaymentFailed)
	if !strings.Contains(failed.FailureReason, "attach link") {
		t.Fatalf("failure reason %q", failed.FailureReason)
	}

	link, err := h.payments.RequestPayment(ctx, client, c.ID, domain.PhaseCompletion, 0)
	if err != nil {
		t.Fatalf("retry after attach failure: %v", err)
	}
	if link.Payment.ID == failed.ID {
		t.Fatal("failed reservation must not be reused")
	}
}
