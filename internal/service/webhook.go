package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/escrowd/internal/domain"
	"github.com/punchamoorthee/escrowd/internal/gateway"
	"github.com/punchamoorthee/escrowd/internal/notify"
	"github.com/punchamoorthee/escrowd/internal/store"
	"github.com/shopspring/decimal"
)

type WebhookOutcome string

const (
	OutcomeProcessed      WebhookOutcome = "processed"
	OutcomeDuplicate      WebhookOutcome = "duplicate"
	OutcomeUnknownPayment WebhookOutcome = "unknown_payment"
	// OutcomeIgnored means the receipt was stored but the event had no effect:
	// an unrecognized type, an amount mismatch, or a phase paid by another link.
	OutcomeIgnored      WebhookOutcome = "ignored"
	OutcomeUnauthorized WebhookOutcome = "unauthorized"
	OutcomeError        WebhookOutcome = "error"
)

// Acknowledge reports whether the gateway should be told to stop redelivering.
func (o WebhookOutcome) Acknowledge() bool {
	return o != OutcomeError && o != OutcomeUnauthorized
}

type WebhookService struct {
	store      store.Store
	contracts  *ContractService
	notifier   notify.Notifier
	logger     *slog.Logger
	secret     string
	feePercent decimal.Decimal
	now        func() time.Time
}

func NewWebhookService(s store.Store, contracts *ContractService, n notify.Notifier, logger *slog.Logger, secret string, feePercent decimal.Decimal) *WebhookService {
	return &WebhookService{
		store:      s,
		contracts:  contracts,
		notifier:   n,
		logger:     logger.With("module", "webhooks"),
		secret:     secret,
		feePercent: feePercent,
		now:        utcNow,
	}
}

// Handle reconciles one gateway delivery. The receipt insert is the first
// statement of the transaction and every effect commits with it, so a
// redelivered event id is a no-op and a rolled back attempt leaves nothing
// behind for the retry to trip over.
//
// A nil error with any outcome means acknowledge. ErrUnauthorized and
// ErrInvalidInput are terminal; every other error asks the gateway to retry.
func (s *WebhookService) Handle(ctx context.Context, signature string, body []byte) (WebhookOutcome, error) {
	if !gateway.VerifySignature(s.secret, body, signature) {
		webhookOutcomes.WithLabelValues(string(OutcomeUnauthorized)).Inc()
		s.logger.Warn("webhook signature rejected", "body_bytes", len(body))
		return OutcomeUnauthorized, domain.ErrUnauthorized
	}

	received := s.now()
	ev, err := gateway.DecodeEvent(body, received)
	if err != nil {
		webhookOutcomes.WithLabelValues(string(OutcomeError)).Inc()
		s.logger.Warn("webhook body rejected", "error", err)
		return OutcomeError, err
	}
	log := s.logger.With("event_id", ev.ID(), "event_type", ev.Type(), "link_id", ev.LinkID())

	var (
		outcome  WebhookOutcome
		msgs     []notify.Message
		credited *domain.WalletEntry
	)
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		msgs, credited = nil, nil
		receipt := &domain.WebhookReceipt{
			EventID:        ev.ID(),
			EventType:      ev.Type(),
			ExternalLinkID: ev.LinkID(),
			Payload:        body,
			ReceivedAt:     received,
		}
		inserted, err := tx.InsertWebhookReceipt(ctx, receipt)
		if err != nil {
			return err
		}
		if !inserted {
			outcome = OutcomeDuplicate
			return nil
		}

		if _, ok := ev.(gateway.UnrecognizedEvent); ok {
			outcome = OutcomeIgnored
			receipt.Note = "unrecognized event type"
			return tx.UpdateWebhookReceipt(ctx, receipt)
		}

		payment, err := tx.LockPaymentByExternalID(ctx, ev.LinkID())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrUnknownPayment
			}
			return err
		}

		switch e := ev.(type) {
		case gateway.PaidEvent:
			var res paidResult
			res, err = s.applyPaid(ctx, tx, log, e, payment, receipt)
			outcome, msgs, credited = res.outcome, res.msgs, res.entry
		case gateway.ExpiredEvent:
			outcome, err = s.applyClosed(ctx, tx, payment, receipt, domain.PaymentExpired, "link expired")
		case gateway.CancelledEvent:
			outcome, err = s.applyClosed(ctx, tx, payment, receipt, domain.PaymentFailed, "link cancelled")
		}
		if err != nil {
			return err
		}

		if receipt.Processed {
			at := s.now()
			receipt.ProcessedAt = &at
		}
		return tx.UpdateWebhookReceipt(ctx, receipt)
	})

	switch {
	case errors.Is(err, domain.ErrUnknownPayment):
		outcome = OutcomeUnknownPayment
		log.Warn("webhook for unknown payment acknowledged")
	case err != nil:
		webhookOutcomes.WithLabelValues(string(OutcomeError)).Inc()
		log.Error("webhook reconciliation failed", "error", err)
		return OutcomeError, err
	case outcome == OutcomeDuplicate:
		log.Info("duplicate webhook acknowledged")
	default:
		log.Info("webhook reconciled", "outcome", outcome)
	}
	webhookOutcomes.WithLabelValues(string(outcome)).Inc()
	if credited != nil {
		walletMovements.WithLabelValues(string(domain.EntryCredit)).Add(float64(credited.Amount))
		platformFees.Add(float64(credited.FeeAmount))
		log.Info("freelancer credited", "freelancer_id", credited.FreelancerID, "payment_id", credited.PaymentID,
			"gross", credited.GrossAmount, "fee", credited.FeeAmount, "net", credited.Amount)
	}

	notify.Send(ctx, s.notifier, s.logger, msgs...)
	return outcome, nil
}

type paidResult struct {
	outcome WebhookOutcome
	msgs    []notify.Message
	entry   *domain.WalletEntry
}

func (s *WebhookService) applyPaid(ctx context.Context, tx store.Tx, log *slog.Logger, ev gateway.PaidEvent, payment *domain.Payment, receipt *domain.WebhookReceipt) (paidResult, error) {
	if payment.State == domain.PaymentPaid {
		receipt.Processed = true
		receipt.Note = "payment already paid"
		return paidResult{outcome: OutcomeProcessed}, nil
	}
	if ev.Amount != payment.Amount {
		receipt.Note = fmt.Sprintf("amount mismatch: expected %d, got %d", payment.Amount, ev.Amount)
		log.Warn("paid event amount mismatch, not applied", "payment_id", payment.ID, "expected", payment.Amount, "got", ev.Amount)
		return paidResult{outcome: OutcomeIgnored}, nil
	}

	siblings, err := tx.ListPayments(ctx, payment.ContractID)
	if err != nil {
		return paidResult{}, err
	}
	for _, other := range siblings {
		if other.ID != payment.ID && other.Phase == payment.Phase && other.State == domain.PaymentPaid {
			receipt.Note = fmt.Sprintf("phase already paid by payment %s", other.ID)
			log.Error("second paid event for a settled phase, needs manual refund", "payment_id", payment.ID, "paid_payment_id", other.ID)
			return paidResult{outcome: OutcomeIgnored}, nil
		}
	}

	if payment.State.Terminal() {
		log.Warn("late paid event for closed payment link", "payment_id", payment.ID, "state", payment.State)
	}
	now := s.now()
	paidAt := ev.PaidAt
	payment.State = domain.PaymentPaid
	payment.PaidAt = &paidAt
	payment.FailureReason = ""
	payment.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		if errors.Is(err, domain.ErrAlreadyPaid) {
			// another link of this phase settled concurrently
			receipt.Note = "phase already paid by another payment"
			log.Error("second paid event for a settled phase, needs manual refund", "payment_id", payment.ID)
			return paidResult{outcome: OutcomeIgnored}, nil
		}
		return paidResult{}, err
	}

	contract, err := tx.LockContract(ctx, payment.ContractID)
	if err != nil {
		return paidResult{}, err
	}
	entry, err := s.credit(ctx, tx, contract.FreelancerID, payment, now)
	if err != nil {
		return paidResult{}, err
	}

	before := contract.State
	advanced, err := s.contracts.AdvanceOnPayment(ctx, tx, contract.ID, payment.Phase)
	switch {
	case errors.Is(err, domain.ErrInvalidState):
		// Gateways do not order events. A completion paid before upfront
		// finishes the contract when the upfront payment lands.
		log.Warn("contract advance deferred", "contract_id", contract.ID, "state", before, "phase", payment.Phase)
	case err != nil:
		return paidResult{}, err
	default:
		contract = advanced
	}

	receipt.Processed = true
	msgs := []notify.Message{{
		Kind:       notify.PaymentPaid,
		Recipients: []string{contract.ClientID, contract.FreelancerID},
		ContractID: contract.ID,
		PaymentID:  payment.ID,
		Amount:     entry.Amount,
		OccurredAt: now,
	}}
	if before != domain.ContractCompleted && contract.State == domain.ContractCompleted {
		msgs = append(msgs, notify.Message{
			Kind:       notify.ContractCompleted,
			Recipients: []string{contract.ClientID, contract.FreelancerID},
			ContractID: contract.ID,
			OccurredAt: now,
		})
	}
	return paidResult{outcome: OutcomeProcessed, msgs: msgs, entry: &entry}, nil
}

// credit appends the fee-adjusted wallet entry for a settled payment. A 100%
// fee leaves nothing to credit and writes no entry.
func (s *WebhookService) credit(ctx context.Context, tx store.Tx, freelancerID string, payment *domain.Payment, now time.Time) (domain.WalletEntry, error) {
	entry, err := domain.CreditFreelancer(freelancerID, payment.ID, payment.Amount, s.feePercent, now)
	if err != nil {
		return domain.WalletEntry{}, fmt.Errorf("%w: credit payment %s: %v", domain.ErrInternal, payment.ID, err)
	}
	if err := tx.LockWallet(ctx, freelancerID); err != nil {
		return domain.WalletEntry{}, err
	}
	if entry.Amount > 0 {
		if err := tx.InsertWalletEntry(ctx, &entry); err != nil {
			return domain.WalletEntry{}, err
		}
	}
	return entry, nil
}

func (s *WebhookService) applyClosed(ctx context.Context, tx store.Tx, payment *domain.Payment, receipt *domain.WebhookReceipt, state domain.PaymentState, reason string) (WebhookOutcome, error) {
	receipt.Processed = true
	if payment.State == domain.PaymentPaid {
		receipt.Note = "payment already paid"
		return OutcomeProcessed, nil
	}
	if payment.State.Terminal() {
		receipt.Note = "payment already " + string(payment.State)
		return OutcomeProcessed, nil
	}
	payment.State = state
	payment.FailureReason = reason
	payment.UpdatedAt = s.now()
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return "", err
	}
	if state == domain.PaymentExpired {
		paymentsExpired.Inc()
	}
	return OutcomeProcessed, nil
}
