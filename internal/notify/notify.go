package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type Kind string

const (
	ContractSigned    Kind = "contract.signed"
	PaymentPaid       Kind = "payment.paid"
	ContractCompleted Kind = "contract.completed"
	ContractDisputed  Kind = "contract.disputed"
	PayoutApproved    Kind = "payout.approved"
)

// Message is one user-facing notification. Recipients are user ids.
type Message struct {
	Kind       Kind      `json:"kind"`
	Recipients []string  `json:"recipients"`
	ContractID string    `json:"contract_id,omitempty"`
	PaymentID  string    `json:"payment_id,omitempty"`
	PayoutID   string    `json:"payout_id,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Key is the partition key: all messages for one contract (or one payout)
// land on the same partition so consumers see them in order.
func (m Message) Key() string {
	if m.ContractID != "" {
		return m.ContractID
	}
	if m.PayoutID != "" {
		return m.PayoutID
	}
	if len(m.Recipients) > 0 {
		return m.Recipients[0]
	}
	return string(m.Kind)
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Send delivers msgs best-effort. Failures are logged and never returned;
// callers invoke it only after their transaction committed.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, msgs ...Message) {
	if n == nil {
		return
	}
	for _, msg := range msgs {
		if err := n.Notify(ctx, msg); err != nil {
			logger.Warn("notification dropped", "kind", msg.Kind, "key", msg.Key(), "error", err)
		}
	}
}

type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("notification", "kind", msg.Kind, "recipients", msg.Recipients,
		"contract_id", msg.ContractID, "payment_id", msg.PaymentID, "payout_id", msg.PayoutID)
	return nil
}

type KafkaNotifier struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka notifier requires a topic")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Balancer:     &kafka.Hash{},
		},
		timeout: 5 * time.Second,
	}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Key()),
		Value: payload,
		Time:  msg.OccurredAt.UTC(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
		},
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
