package domain

import (
	"bytes"
	"time"
)

type ContractState string

const (
	ContractPendingSignatures ContractState = "pending_signatures"
	ContractSigned            ContractState = "signed"
	ContractInProgress        ContractState = "in_progress"
	ContractCompleted         ContractState = "completed"
	ContractDisputed          ContractState = "disputed"
)

type Party string

const (
	PartyClient     Party = "client"
	PartyFreelancer Party = "freelancer"
)

func (p Party) Valid() bool { return p == PartyClient || p == PartyFreelancer }

// Signature is a captured party signature. A nil *Signature means unsigned.
type Signature struct {
	Blob     []byte    `json:"blob"`
	SignedAt time.Time `json:"signed_at"`
}

// Contract is an accepted engagement between one client and one freelancer.
// Amounts are minor units of the single platform currency.
type Contract struct {
	ID                  string        `json:"id"`
	ClientID            string        `json:"client_id"`
	FreelancerID        string        `json:"freelancer_id"`
	JobID               string        `json:"job_id"`
	Title               string        `json:"title"`
	TotalAmount         int64         `json:"total_amount"`
	Currency            string        `json:"currency"`
	UpfrontPercent      int           `json:"upfront_percent"`
	DurationDays        int           `json:"duration_days"`
	ClientSignature     *Signature    `json:"client_signature,omitempty"`
	FreelancerSignature *Signature    `json:"freelancer_signature,omitempty"`
	State               ContractState `json:"state"`
	DisputeReason       string        `json:"dispute_reason,omitempty"`
	Version             int64         `json:"version"`
	CreatedAt           time.Time     `json:"created_at"`
	SignedAt            *time.Time    `json:"signed_at,omitempty"`
	EndsAt              *time.Time    `json:"ends_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
}

func (c *Contract) signatureOf(p Party) *Signature {
	if p == PartyClient {
		return c.ClientSignature
	}
	return c.FreelancerSignature
}

// PartyOf returns which side of the contract userID is on.
func (c *Contract) PartyOf(userID string) (Party, bool) {
	switch userID {
	case c.ClientID:
		return PartyClient, true
	case c.FreelancerID:
		return PartyFreelancer, true
	}
	return "", false
}

// ApplySignature records blob for party. It returns changed=false when the
// identical blob was already stored, which callers treat as a no-op. When the
// second signature lands the contract moves to signed and EndsAt is derived
// from DurationDays.
func (c *Contract) ApplySignature(p Party, blob []byte, now time.Time) (changed bool, err error) {
	if !p.Valid() || len(blob) == 0 {
		return false, ErrInvalidInput
	}
	if existing := c.signatureOf(p); existing != nil {
		if bytes.Equal(existing.Blob, blob) {
			return false, nil
		}
		if c.State != ContractPendingSignatures && c.State != ContractSigned {
			return false, ErrInvalidState
		}
		return false, ErrDuplicateSignature
	}
	if c.State != ContractPendingSignatures {
		return false, ErrInvalidState
	}

	sig := &Signature{Blob: append([]byte(nil), blob...), SignedAt: now}
	if p == PartyClient {
		c.ClientSignature = sig
	} else {
		c.FreelancerSignature = sig
	}

	if c.ClientSignature != nil && c.FreelancerSignature != nil {
		c.State = ContractSigned
		signedAt := now
		c.SignedAt = &signedAt
		if c.DurationDays > 0 {
			ends := now.AddDate(0, 0, c.DurationDays)
			c.EndsAt = &ends
		}
	}
	return true, nil
}

// Advance moves the contract forward after a payment for phase settled.
// completionPaid tells whether a completion payment has already settled, which
// lets a late upfront payment finish a contract whose completion arrived first.
func (c *Contract) Advance(phase Phase, completionPaid bool, now time.Time) error {
	switch phase {
	case PhaseMilestone:
		if c.State != ContractSigned && c.State != ContractInProgress {
			return ErrInvalidState
		}
		return nil
	case PhaseUpfront:
		if c.State != ContractSigned {
			return ErrInvalidState
		}
		c.State = ContractInProgress
		if completionPaid || c.UpfrontPercent == 100 {
			c.complete(now)
		}
		return nil
	case PhaseCompletion:
		if c.State != ContractInProgress {
			return ErrInvalidState
		}
		c.complete(now)
		return nil
	}
	return ErrInvalidInput
}

func (c *Contract) complete(now time.Time) {
	c.State = ContractCompleted
	done := now
	c.CompletedAt = &done
}

// MarkDisputed is allowed from signed or in_progress only.
func (c *Contract) MarkDisputed(reason string) error {
	if c.State != ContractSigned && c.State != ContractInProgress {
		return ErrInvalidState
	}
	c.State = ContractDisputed
	c.DisputeReason = reason
	return nil
}

// AcceptsPayments reports whether new payment links may be created.
func (c *Contract) AcceptsPayments() bool {
	return c.State == ContractSigned || c.State == ContractInProgress
}

// ValidateSplit rejects a total and upfront percent whose phases would not
// each carry at least one minor unit.
func ValidateSplit(total int64, upfrontPercent int) error {
	if total <= 0 || upfrontPercent < 1 || upfrontPercent > 100 {
		return ErrInvalidInput
	}
	upfront := total * int64(upfrontPercent) / 100
	if upfront < 1 {
		return ErrInvalidInput
	}
	if upfrontPercent < 100 && total-upfront < 1 {
		return ErrInvalidInput
	}
	return nil
}

// PhaseAmount splits the total by the upfront percent. The completion phase
// takes the remainder so both phases always sum to the total.
func (c *Contract) PhaseAmount(phase Phase) (int64, error) {
	upfront := c.TotalAmount * int64(c.UpfrontPercent) / 100
	switch phase {
	case PhaseUpfront:
		return upfront, nil
	case PhaseCompletion:
		if c.UpfrontPercent == 100 {
			return 0, ErrInvalidInput
		}
		return c.TotalAmount - upfront, nil
	}
	return 0, ErrInvalidInput
}
