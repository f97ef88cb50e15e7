package models

import "github.com/punchamoorthee/escrowd/internal/domain"

// CreateContractRequest is the payload for POST /contracts. ClientID defaults
// to the caller.
type CreateContractRequest struct {
	ClientID       string `json:"client_id,omitempty"`
	FreelancerID   string `json:"freelancer_id"`
	JobID          string `json:"job_id"`
	Title          string `json:"title"`
	TotalAmount    int64  `json:"total_amount"`
	UpfrontPercent int    `json:"upfront_percent,omitempty"`
	DurationDays   int    `json:"duration_days"`
}

// SignatureRequest carries the signature blob. encoding/json decodes base64
// strings into []byte.
type SignatureRequest struct {
	Party     domain.Party `json:"party"`
	Signature []byte       `json:"signature"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

// PaymentRequest asks for a payment link. Amount is only read for milestones.
type PaymentRequest struct {
	Phase  domain.Phase `json:"phase"`
	Amount int64        `json:"amount,omitempty"`
}

type PayoutRequest struct {
	Amount      int64              `json:"amount"`
	BankDetails domain.BankDetails `json:"bank_details"`
}

type RejectPayoutRequest struct {
	Reason string `json:"reason"`
}

// WebhookResponse is returned to the gateway for every delivery it should not
// redeliver.
type WebhookResponse struct {
	Outcome string `json:"outcome"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}
