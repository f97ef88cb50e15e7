package domain

import "time"

type Phase string

const (
	PhaseUpfront    Phase = "upfront"
	PhaseCompletion Phase = "completion"
	PhaseMilestone  Phase = "milestone"
)

func (p Phase) Valid() bool {
	return p == PhaseUpfront || p == PhaseCompletion || p == PhaseMilestone
}

type PaymentState string

const (
	PaymentCreated PaymentState = "created"
	PaymentPending PaymentState = "pending"
	PaymentPaid    PaymentState = "paid"
	PaymentFailed  PaymentState = "failed"
	PaymentExpired PaymentState = "expired"
)

// Terminal states never move again, except a late paid event on a
// failed/expired link (the money did arrive).
func (s PaymentState) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed || s == PaymentExpired
}

// Payment is one gateway-backed money movement for a contract phase.
// Amount is immutable after creation.
type Payment struct {
	ID             string       `json:"id"`
	ContractID     string       `json:"contract_id"`
	Phase          Phase        `json:"phase"`
	Amount         int64        `json:"amount"`
	ExternalLinkID string       `json:"external_link_id,omitempty"`
	LinkURL        string       `json:"link_url,omitempty"`
	State          PaymentState `json:"state"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
	PaidAt         *time.Time   `json:"paid_at,omitempty"`
}

// Stale reports whether a non-terminal payment outlived its link.
func (p *Payment) Stale(now time.Time) bool {
	return !p.State.Terminal() && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// WebhookReceipt is durable proof an inbound gateway event was received.
// Processed is false when the event was recorded but intentionally not
// applied (see Note).
type WebhookReceipt struct {
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	ExternalLinkID string     `json:"external_link_id,omitempty"`
	Payload        []byte     `json:"-"`
	ReceivedAt     time.Time  `json:"received_at"`
	Processed      bool       `json:"processed"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	Note           string     `json:"note,omitempty"`
}
