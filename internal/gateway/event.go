package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/escrowd/internal/domain"
)

// envelope is the wire shape of every gateway notification.
type envelope struct {
	EventID   string     `json:"event_id"`
	EventType string     `json:"event_type"`
	LinkID    string     `json:"link_id"`
	Amount    int64      `json:"amount"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

// Event is one decoded gateway notification. The concrete type is one of
// PaidEvent, ExpiredEvent, CancelledEvent or UnrecognizedEvent.
type Event interface {
	ID() string
	Type() string
	LinkID() string
}

type base struct {
	eventID   string
	eventType string
	linkID    string
}

func (b base) ID() string     { return b.eventID }
func (b base) Type() string   { return b.eventType }
func (b base) LinkID() string { return b.linkID }

type PaidEvent struct {
	base
	Amount int64
	PaidAt time.Time
}

type ExpiredEvent struct{ base }

type CancelledEvent struct{ base }

// UnrecognizedEvent is any event type this service does not act on. It is
// recorded and acknowledged, never applied.
type UnrecognizedEvent struct{ base }

// DecodeEvent parses a raw webhook body. A missing event id is invalid input;
// an unknown event type is not an error.
func DecodeEvent(raw []byte, receivedAt time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook body: %v", domain.ErrInvalidInput, err)
	}
	env.EventID = strings.TrimSpace(env.EventID)
	if env.EventID == "" {
		return nil, fmt.Errorf("%w: webhook event_id is required", domain.ErrInvalidInput)
	}

	b := base{eventID: env.EventID, eventType: env.EventType, linkID: strings.TrimSpace(env.LinkID)}
	switch normalizeType(env.EventType) {
	case "paid":
		paidAt := receivedAt
		if env.PaidAt != nil && !env.PaidAt.IsZero() {
			paidAt = *env.PaidAt
		}
		return PaidEvent{base: b, Amount: env.Amount, PaidAt: paidAt}, nil
	case "expired":
		return ExpiredEvent{base: b}, nil
	case "cancelled", "canceled":
		return CancelledEvent{base: b}, nil
	}
	return UnrecognizedEvent{base: b}, nil
}

// normalizeType accepts both bare ("paid") and namespaced ("payment_link.paid") names.
func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		t = t[i+1:]
	}
	return t
}
