package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// WalletEntry is one append-only line of a freelancer's wallet ledger.
// Amount is always positive; Kind gives the sign.
type WalletEntry struct {
	ID           string    `json:"id"`
	FreelancerID string    `json:"freelancer_id"`
	Kind         EntryKind `json:"kind"`
	Amount       int64     `json:"amount"`
	GrossAmount  int64     `json:"gross_amount,omitempty"`
	FeeAmount    int64     `json:"fee_amount,omitempty"`
	FeePercent   string    `json:"fee_percent,omitempty"`
	PaymentID    string    `json:"payment_id,omitempty"`
	PayoutID     string    `json:"payout_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Signed returns the entry's contribution to the available balance.
func (e WalletEntry) Signed() int64 {
	if e.Kind == EntryDebit {
		return -e.Amount
	}
	return e.Amount
}

type WalletBalance struct {
	FreelancerID     string `json:"freelancer_id"`
	Available        int64  `json:"available"`
	LifetimeEarnings int64  `json:"lifetime_earnings"`
	PaidOut          int64  `json:"paid_out"`
}

// PlatformFee returns the fee for gross at percent, rounded half away from
// zero to whole minor units.
func PlatformFee(gross int64, percent decimal.Decimal) int64 {
	return decimal.NewFromInt(gross).Mul(percent).Div(decimal.NewFromInt(100)).Round(0).IntPart()
}

// CreditFreelancer builds the credit entry for a settled payment. It is a pure
// function of its inputs apart from the generated ID and timestamp so the fee
// split can be reproduced for audit.
func CreditFreelancer(freelancerID, paymentID string, gross int64, feePercent decimal.Decimal, now time.Time) (WalletEntry, error) {
	if freelancerID == "" || paymentID == "" || gross <= 0 {
		return WalletEntry{}, ErrInvalidInput
	}
	if feePercent.IsNegative() || feePercent.GreaterThan(decimal.NewFromInt(100)) {
		return WalletEntry{}, ErrInvalidInput
	}
	fee := PlatformFee(gross, feePercent)
	return WalletEntry{
		ID:           uuid.NewString(),
		FreelancerID: freelancerID,
		Kind:         EntryCredit,
		Amount:       gross - fee,
		GrossAmount:  gross,
		FeeAmount:    fee,
		FeePercent:   feePercent.String(),
		PaymentID:    paymentID,
		CreatedAt:    now,
	}, nil
}

type PayoutState string

const (
	PayoutPending   PayoutState = "pending"
	PayoutApproved  PayoutState = "approved"
	PayoutRejected  PayoutState = "rejected"
	PayoutCompleted PayoutState = "completed"
)

type BankDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	RoutingCode   string `json:"routing_code"`
	BankName      string `json:"bank_name,omitempty"`
}

func (b BankDetails) Valid() bool {
	return b.AccountName != "" && b.AccountNumber != "" && b.RoutingCode != ""
}

// PayoutRequest is a freelancer withdrawal ask.
type PayoutRequest struct {
	ID              string      `json:"id"`
	FreelancerID    string      `json:"freelancer_id"`
	Amount          int64       `json:"amount"`
	State           PayoutState `json:"state"`
	BankDetails     BankDetails `json:"bank_details"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	DecidedAt       *time.Time  `json:"decided_at,omitempty"`
}
