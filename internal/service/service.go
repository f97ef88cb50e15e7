package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleAdmin      Role = "admin"
	// RoleSystem is used for work the service starts on its own, like the
	// upfront payment request after both signatures land.
	RoleSystem Role = "system"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Role   Role
}

func SystemActor() Actor { return Actor{UserID: "system", Role: RoleSystem} }

func (a Actor) Privileged() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// Is reports whether the actor may act as userID.
func (a Actor) Is(userID string) bool {
	return a.Privileged() || (a.UserID != "" && a.UserID == userID)
}

// validID rejects ids that cannot exist so they surface as NotFound instead of
// a store error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func utcNow() time.Time { return time.Now().UTC() }

var (
	webhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_webhook_events_total",
		Help: "Gateway webhook deliveries, labeled by outcome",
	}, []string{"outcome"})

	paymentRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_payment_requests_total",
		Help: "Payment link requests, labeled by phase and outcome",
	}, []string{"phase", "outcome"})

	walletMovements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_wallet_amount_total",
		Help: "Minor units moved through freelancer wallets, labeled by entry kind",
	}, []string{"kind"})

	platformFees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_platform_fee_amount_total",
		Help: "Minor units retained as platform fee",
	})

	paymentsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_payments_expired_total",
		Help: "Payments moved to expired by the sweep or lazily on request",
	})
)
