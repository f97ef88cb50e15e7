package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/escrowd/internal/domain"
	"github.com/punchamoorthee/escrowd/internal/notify"
	"github.com/punchamoorthee/escrowd/internal/store"
)

// PaymentRequester starts a gateway payment for a contract phase.
type PaymentRequester interface {
	RequestPayment(ctx context.Context, actor Actor, contractID string, phase domain.Phase, amount int64) (*PaymentLink, error)
}

type CreateContractInput struct {
	ClientID       string
	FreelancerID   string
	JobID          string
	Title          string
	TotalAmount    int64
	UpfrontPercent int
	DurationDays   int
}

type ContractService struct {
	store          store.Store
	payments       PaymentRequester
	notifier       notify.Notifier
	logger         *slog.Logger
	upfrontPercent int
	currency       string
	now            func() time.Time
}

func NewContractService(s store.Store, payments PaymentRequester, n notify.Notifier, logger *slog.Logger, upfrontPercent int, currency string) *ContractService {
	return &ContractService{
		store:          s,
		payments:       payments,
		notifier:       n,
		logger:         logger.With("module", "contracts"),
		upfrontPercent: upfrontPercent,
		currency:       currency,
		now:            utcNow,
	}
}

// CreateContract opens a contract from an accepted proposal. Only the client
// (or an admin) may create it.
func (s *ContractService) CreateContract(ctx context.Context, actor Actor, in CreateContractInput) (*domain.Contract, error) {
	in.ClientID = strings.TrimSpace(in.ClientID)
	in.FreelancerID = strings.TrimSpace(in.FreelancerID)
	if in.ClientID == "" || in.FreelancerID == "" || in.ClientID == in.FreelancerID {
		return nil, fmt.Errorf("%w: contract needs two distinct parties", domain.ErrInvalidInput)
	}
	if !actor.Is(in.ClientID) {
		return nil, domain.ErrForbidden
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrInvalidInput)
	}
	if in.TotalAmount <= 0 {
		return nil, fmt.Errorf("%w: total amount must be positive", domain.ErrInvalidInput)
	}
	if in.UpfrontPercent == 0 {
		in.UpfrontPercent = s.upfrontPercent
	}
	if in.UpfrontPercent < 1 || in.UpfrontPercent > 100 {
		return nil, fmt.Errorf("%w: upfront percent must be within 1..100", domain.ErrInvalidInput)
	}
	if err := domain.ValidateSplit(in.TotalAmount, in.UpfrontPercent); err != nil {
		return nil, fmt.Errorf("%w: total %d cannot be split %d%% upfront into non-zero phases", err, in.TotalAmount, in.UpfrontPercent)
	}
	if in.DurationDays < 0 {
		return nil, fmt.Errorf("%w: duration cannot be negative", domain.ErrInvalidInput)
	}

	c := &domain.Contract{
		ID:             uuid.NewString(),
		ClientID:       in.ClientID,
		FreelancerID:   in.FreelancerID,
		JobID:          in.JobID,
		Title:          strings.TrimSpace(in.Title),
		TotalAmount:    in.TotalAmount,
		Currency:       s.currency,
		UpfrontPercent: in.UpfrontPercent,
		DurationDays:   in.DurationDays,
		State:          domain.ContractPendingSignatures,
		Version:        1,
		CreatedAt:      s.now(),
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateContract(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("contract created", "contract_id", c.ID, "client_id", c.ClientID, "freelancer_id", c.FreelancerID, "total", c.TotalAmount)
	return c, nil
}

func (s *ContractService) GetContract(ctx context.Context, actor Actor, contractID string) (*domain.Contract, error) {
	if !validID(contractID) {
		return nil, domain.ErrNotFound
	}
	var c *domain.Contract
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		c, err = tx.GetContract(ctx, contractID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !actor.Is(c.ClientID) && !actor.Is(c.FreelancerID) {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *ContractService) ListPayments(ctx context.Context, actor Actor, contractID string) ([]domain.Payment, error) {
	if !validID(contractID) {
		return nil, domain.ErrNotFound
	}
	var out []domain.Payment
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetContract(ctx, contractID)
		if err != nil {
			return err
		}
		if !actor.Is(c.ClientID) && !actor.Is(c.FreelancerID) {
			return domain.ErrNotFound
		}
		out, err = tx.ListPayments(ctx, contractID)
		return err
	})
	return out, err
}

// RecordSignature stores party's signature. Re-submitting the identical blob
// is a no-op. When the second signature lands the contract becomes signed and,
// after commit, the upfront payment is requested and both parties notified.
func (s *ContractService) RecordSignature(ctx context.Context, actor Actor, contractID string, party domain.Party, blob []byte) (*domain.Contract, error) {
	if !party.Valid() || len(blob) == 0 {
		return nil, fmt.Errorf("%w: party and signature are required", domain.ErrInvalidInput)
	}
	if !validID(contractID) {
		return nil, domain.ErrNotFound
	}

	var (
		c          *domain.Contract
		nowSigned  bool
		changed    bool
		signedTime = s.now()
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		c, err = tx.LockContract(ctx, contractID)
		if err != nil {
			return err
		}
		partyID := c.ClientID
		if party == domain.PartyFreelancer {
			partyID = c.FreelancerID
		}
		if !actor.Is(partyID) {
			return domain.ErrForbidden
		}

		before := c.State
		changed, err = c.ApplySignature(party, blob, signedTime)
		if err != nil || !changed {
			return err
		}
		nowSigned = before == domain.ContractPendingSignatures && c.State == domain.ContractSigned
		return tx.UpdateContract(ctx, c)
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateSignature) || errors.Is(err, domain.ErrInvalidState) {
			s.logger.Warn("signature rejected", "contract_id", contractID, "party", party, "error", err)
		}
		return nil, err
	}
	if !changed {
		s.logger.Info("signature already recorded", "contract_id", contractID, "party", party)
		return c, nil
	}
	s.logger.Info("signature recorded", "contract_id", contractID, "party", party, "state", c.State)

	if nowSigned {
		s.onSigned(ctx, c)
	}
	return c, nil
}

// onSigned runs the ready-for-payment side effects. Both are best-effort: the
// signature is already committed and the client can request the payment again.
func (s *ContractService) onSigned(ctx context.Context, c *domain.Contract) {
	notify.Send(ctx, s.notifier, s.logger, notify.Message{
		Kind:       notify.ContractSigned,
		Recipients: []string{c.ClientID, c.FreelancerID},
		ContractID: c.ID,
		OccurredAt: s.now(),
	})
	if s.payments == nil {
		return
	}
	link, err := s.payments.RequestPayment(ctx, SystemActor(), c.ID, domain.PhaseUpfront, 0)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrInFlight) || errors.Is(err, domain.ErrAlreadyPaid) {
			level = slog.LevelInfo
		}
		s.logger.Log(ctx, level, "upfront payment request after signing failed", "contract_id", c.ID, "error", err)
		return
	}
	s.logger.Info("upfront payment requested", "contract_id", c.ID, "payment_id", link.Payment.ID)
}

// AdvanceOnPayment moves the contract forward after a payment for phase
// settled. It runs inside the caller's transaction. On ErrInvalidState the
// locked contract is still returned so the caller can log the deferral.
func (s *ContractService) AdvanceOnPayment(ctx context.Context, tx store.Tx, contractID string, phase domain.Phase) (*domain.Contract, error) {
	c, err := tx.LockContract(ctx, contractID)
	if err != nil {
		return nil, err
	}

	completionPaid := false
	if phase == domain.PhaseUpfront {
		payments, err := tx.ListPayments(ctx, contractID)
		if err != nil {
			return nil, err
		}
		for _, p := range payments {
			if p.Phase == domain.PhaseCompletion && p.State == domain.PaymentPaid {
				completionPaid = true
				break
			}
		}
	}

	before := c.State
	if err := c.Advance(phase, completionPaid, s.now()); err != nil {
		return c, err
	}
	if c.State == before {
		return c, nil
	}
	if err := tx.UpdateContract(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// MarkDisputed freezes the contract pending manual resolution. Either party
// or an admin may raise it.
func (s *ContractService) MarkDisputed(ctx context.Context, actor Actor, contractID, reason string) (*domain.Contract, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", domain.ErrInvalidInput)
	}
	if !validID(contractID) {
		return nil, domain.ErrNotFound
	}
	var c *domain.Contract
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		c, err = tx.LockContract(ctx, contractID)
		if err != nil {
			return err
		}
		if !actor.Is(c.ClientID) && !actor.Is(c.FreelancerID) {
			return domain.ErrForbidden
		}
		if err := c.MarkDisputed(reason); err != nil {
			return err
		}
		return tx.UpdateContract(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("contract disputed", "contract_id", c.ID, "by", actor.UserID, "reason", reason)
	notify.Send(ctx, s.notifier, s.logger, notify.Message{
		Kind:       notify.ContractDisputed,
		Recipients: []string{c.ClientID, c.FreelancerID},
		ContractID: c.ID,
		OccurredAt: s.now(),
	})
	return c, nil
}
