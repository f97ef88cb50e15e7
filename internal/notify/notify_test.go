package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type failing struct{ calls int }

func (f *failing) Notify(context.Context, Message) error {
	f.calls++
	return errors.New("broker down")
}

func TestSendSwallowsFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &failing{}
	Send(context.Background(), f, logger,
		Message{Kind: ContractSigned, ContractID: "c1"},
		Message{Kind: PayoutApproved, PayoutID: "po1"},
	)
	if f.calls != 2 {
		t.Fatalf("expected every message attempted, got %d calls", f.calls)
	}

	Send(context.Background(), nil, logger, Message{Kind: PaymentPaid})
}

func TestMessageKey(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Message{Kind: PaymentPaid, ContractID: "c1", PaymentID: "p1"}, "c1"},
		{Message{Kind: PayoutApproved, PayoutID: "po1", Recipients: []string{"fr"}}, "po1"},
		{Message{Kind: PayoutApproved, Recipients: []string{"fr"}}, "fr"},
		{Message{Kind: ContractSigned}, "contract.signed"},
	}
	for _, tt := range tests {
		if got := tt.msg.Key(); got != tt.want {
			t.Errorf("Key() = %q, want %q", got, tt.want)
		}
	}
}

func TestNewKafkaNotifierValidates(t *testing.T) {
	if _, err := NewKafkaNotifier(nil, "topic"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaNotifier([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
	n, err := NewKafkaNotifier([]string{"localhost:9092"}, "escrow.notifications")
	if err != nil {
		t.Fatal(err)
	}
	_ = n.Close()
}
