package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/escrowd/internal/domain"
	"github.com/punchamoorthee/escrowd/internal/gateway"
	"github.com/punchamoorthee/escrowd/internal/store"
)

type PaymentLink struct {
	Payment     domain.Payment `json:"payment"`
	RedirectURL string         `json:"redirect_url"`
}

type PaymentService struct {
	store     store.Store
	gateway   gateway.Client
	logger    *slog.Logger
	linkTTL   time.Duration
	returnURL string
	now       func() time.Time
}

func NewPaymentService(s store.Store, gw gateway.Client, logger *slog.Logger, linkTTL time.Duration, returnURL string) *PaymentService {
	return &PaymentService{
		store:     s,
		gateway:   gw,
		logger:    logger.With("module", "payments"),
		linkTTL:   linkTTL,
		returnURL: returnURL,
		now:       utcNow,
	}
}

// RequestPayment creates a gateway payment link for one contract phase.
//
// The work is split so no transaction stays open across the gateway call:
// a created row is reserved first (the per-phase unique indexes make a
// concurrent second request fail with ErrInFlight), then the gateway is
// called, then the link is attached. A failed gateway call marks the row
// failed so the next request can reserve a fresh one.
//
// amount is only read for the milestone phase; upfront and completion
// amounts come from the contract split.
func (s *PaymentService) RequestPayment(ctx context.Context, actor Actor, contractID string, phase domain.Phase, amount int64) (*PaymentLink, error) {
	if !phase.Valid() {
		return nil, fmt.Errorf("%w: unknown phase %q", domain.ErrInvalidInput, phase)
	}
	if !validID(contractID) {
		return nil, domain.ErrNotFound
	}

	payment, contract, err := s.reserve(ctx, actor, contractID, phase, amount)
	if err != nil {
		paymentRequests.WithLabelValues(string(phase), outcomeOf(err)).Inc()
		return nil, err
	}

	link, gwErr := s.gateway.CreatePaymentLink(ctx, gateway.LinkRequest{
		Reference:   payment.ID,
		Amount:      payment.Amount,
		Currency:    contract.Currency,
		Description: fmt.Sprintf("%s (%s)", contract.Title, phase),
		ReturnURL:   s.returnURL,
		ExpiresAt:   payment.ExpiresAt,
	})
	if gwErr != nil {
		s.markFailed(ctx, payment.ID, fmt.Errorf("gateway: %w", gwErr))
		paymentRequests.WithLabelValues(string(phase), outcomeOf(gwErr)).Inc()
		if errors.Is(gwErr, domain.ErrGatewayUnavailable) {
			return nil, gwErr
		}
		return nil, fmt.Errorf("%w: create payment link: %v", domain.ErrGatewayUnavailable, gwErr)
	}

	// The link exists at the gateway now; a caller that went away must not
	// leave the reservation dangling.
	attachCtx := context.WithoutCancel(ctx)
	err = s.store.InTx(attachCtx, func(tx store.Tx) error {
		p, err := tx.LockPayment(attachCtx, payment.ID)
		if err != nil {
			return err
		}
		p.ExternalLinkID = link.ID
		p.LinkURL = link.URL
		if p.State == domain.PaymentCreated && link.Pending() {
			p.State = domain.PaymentPending
		}
		p.UpdatedAt = s.now()
		if err := tx.UpdatePayment(attachCtx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		// Nobody received the URL, so release the phase for a retry. A paid
		// event for the orphaned link resolves as unknown_payment.
		s.logger.Error("attach payment link failed", "payment_id", payment.ID, "link_id", link.ID, "error", err)
		s.markFailed(ctx, payment.ID, fmt.Errorf("attach link %s: %w", link.ID, err))
		paymentRequests.WithLabelValues(string(phase), "error").Inc()
		return nil, err
	}

	paymentRequests.WithLabelValues(string(phase), "created").Inc()
	s.logger.Info("payment link created", "contract_id", contractID, "payment_id", payment.ID,
		"phase", phase, "amount", payment.Amount, "link_id", link.ID)
	return &PaymentLink{Payment: *payment, RedirectURL: link.URL}, nil
}

func (s *PaymentService) reserve(ctx context.Context, actor Actor, contractID string, phase domain.Phase, amount int64) (*domain.Payment, *domain.Contract, error) {
	var (
		payment  *domain.Payment
		contract *domain.Contract
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.LockContract(ctx, contractID)
		if err != nil {
			return err
		}
		if !actor.Is(c.ClientID) {
			return domain.ErrForbidden
		}
		if !c.AcceptsPayments() {
			return fmt.Errorf("%w: contract is %s", domain.ErrInvalidState, c.State)
		}

		if phase == domain.PhaseMilestone {
			if amount <= 0 || amount > c.TotalAmount {
				return fmt.Errorf("%w: milestone amount must be within 1..%d", domain.ErrInvalidInput, c.TotalAmount)
			}
		} else {
			amount, err = c.PhaseAmount(phase)
			if err != nil {
				return fmt.Errorf("%w: contract has no %s phase", err, phase)
			}
			if amount <= 0 {
				return fmt.Errorf("%w: %s phase amount is %d", domain.ErrInvalidInput, phase, amount)
			}
		}

		now := s.now()
		existing, err := tx.ListPayments(ctx, contractID)
		if err != nil {
			return err
		}
		for i := range existing {
			p := &existing[i]
			if p.Phase != phase {
				continue
			}
			if p.State == domain.PaymentPaid {
				return domain.ErrAlreadyPaid
			}
			if p.State.Terminal() {
				continue
			}
			if !p.Stale(now) {
				return domain.ErrInFlight
			}
			p.State = domain.PaymentExpired
			p.FailureReason = "link expired"
			p.UpdatedAt = now
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
			paymentsExpired.Inc()
		}

		payment = &domain.Payment{
			ID:         uuid.NewString(),
			ContractID: contractID,
			Phase:      phase,
			Amount:     amount,
			State:      domain.PaymentCreated,
			CreatedAt:  now,
			UpdatedAt:  now,
			ExpiresAt:  now.Add(s.linkTTL),
		}
		contract = c
		return tx.InsertPayment(ctx, payment)
	})
	if err != nil {
		return nil, nil, err
	}
	return payment, contract, nil
}

func (s *PaymentService) markFailed(ctx context.Context, paymentID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.State != domain.PaymentCreated {
			return nil
		}
		p.State = domain.PaymentFailed
		p.FailureReason = cause.Error()
		p.UpdatedAt = s.now()
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		s.logger.Error("mark payment failed", "payment_id", paymentID, "error", err)
		return
	}
	s.logger.Warn("payment marked failed", "payment_id", paymentID, "error", cause)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyPaid):
		return "already_paid"
	case errors.Is(err, domain.ErrInFlight):
		return "in_flight"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidInput):
		return "rejected"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrForbidden):
		return "not_found"
	}
	return "error"
}
