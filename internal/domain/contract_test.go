package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newContract() *Contract {
	return &Contract{
		ID:             "c1",
		ClientID:       "client-1",
		FreelancerID:   "free-1",
		TotalAmount:    1000,
		UpfrontPercent: 50,
		DurationDays:   14,
		State:          ContractPendingSignatures,
	}
}

func TestApplySignatureBothPartiesSigns(t *testing.T) {
	c := newContract()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	changed, err := c.ApplySignature(PartyClient, []byte("client-sig"), now)
	if err != nil || !changed {
		t.Fatalf("client sign: changed=%v err=%v", changed, err)
	}
	if c.State != ContractPendingSignatures {
		t.Fatalf("expected pending_signatures after one signature, got %s", c.State)
	}

	if _, err := c.ApplySignature(PartyFreelancer, []byte("free-sig"), now); err != nil {
		t.Fatalf("freelancer sign: %v", err)
	}
	if c.State != ContractSigned {
		t.Fatalf("expected signed, got %s", c.State)
	}
	if c.EndsAt == nil || !c.EndsAt.Equal(now.AddDate(0, 0, 14)) {
		t.Fatalf("unexpected ends_at: %v", c.EndsAt)
	}
}

func TestApplySignatureIdempotentAndDuplicate(t *testing.T) {
	c := newContract()
	now := time.Now()
	if _, err := c.ApplySignature(PartyClient, []byte("sig"), now); err != nil {
		t.Fatal(err)
	}

	changed, err := c.ApplySignature(PartyClient, []byte("sig"), now.Add(time.Minute))
	if err != nil || changed {
		t.Fatalf("identical resubmission should be a no-op: changed=%v err=%v", changed, err)
	}

	_, err = c.ApplySignature(PartyClient, []byte("other"), now)
	if !errors.Is(err, ErrDuplicateSignature) {
		t.Fatalf("expected ErrDuplicateSignature, got %v", err)
	}
}

func TestApplySignaturePastSigned(t *testing.T) {
	c := newContract()
	c.State = ContractInProgress
	if _, err := c.ApplySignature(PartyClient, []byte("sig"), time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestAdvance(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name           string
		from           ContractState
		upfront        int
		phase          Phase
		completionPaid bool
		want           ContractState
		wantErr        error
	}{
		{"upfront from signed", ContractSigned, 50, PhaseUpfront, false, ContractInProgress, nil},
		{"completion from in progress", ContractInProgress, 50, PhaseCompletion, false, ContractCompleted, nil},
		{"completion before upfront", ContractSigned, 50, PhaseCompletion, false, ContractSigned, ErrInvalidState},
		{"late upfront after completion", ContractSigned, 50, PhaseUpfront, true, ContractCompleted, nil},
		{"single phase split", ContractSigned, 100, PhaseUpfront, false, ContractCompleted, nil},
		{"no resurrection", ContractCompleted, 50, PhaseUpfront, false, ContractCompleted, ErrInvalidState},
		{"disputed stays", ContractDisputed, 50, PhaseCompletion, false, ContractDisputed, ErrInvalidState},
		{"milestone keeps state", ContractInProgress, 50, PhaseMilestone, false, ContractInProgress, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContract()
			c.State = tt.from
			c.UpfrontPercent = tt.upfront
			err := c.Advance(tt.phase, tt.completionPaid, now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if c.State != tt.want {
				t.Fatalf("state = %s, want %s", c.State, tt.want)
			}
		})
	}
}

func TestMarkDisputed(t *testing.T) {
	c := newContract()
	if err := c.MarkDisputed("late"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from pending_signatures, got %v", err)
	}
	c.State = ContractInProgress
	if err := c.MarkDisputed("late"); err != nil {
		t.Fatal(err)
	}
	if c.State != ContractDisputed || c.DisputeReason != "late" {
		t.Fatalf("unexpected contract: %+v", c)
	}
}

func TestPhaseAmount(t *testing.T) {
	c := newContract()
	c.TotalAmount = 1001
	c.UpfrontPercent = 30
	up, _ := c.PhaseAmount(PhaseUpfront)
	done, _ := c.PhaseAmount(PhaseCompletion)
	if up != 300 || done != 701 {
		t.Fatalf("split = %d/%d", up, done)
	}
	if _, err := c.PhaseAmount(PhaseMilestone); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("milestone has no split amount, got %v", err)
	}
}

func TestValidateSplit(t *testing.T) {
	tests := []struct {
		name    string
		total   int64
		percent int
		ok      bool
	}{
		{"even split", 1000, 50, true},
		{"smallest two phase total", 2, 50, true},
		{"single unit all upfront", 1, 100, true},
		{"upfront rounds to zero", 1, 50, false},
		{"upfront rounds to zero at low percent", 99, 1, false},
		{"completion rounds to zero", 100, 100, true},
		{"single unit below full split", 1, 99, false},
		{"zero total", 0, 50, false},
		{"percent out of range", 1000, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSplit(tt.total, tt.percent)
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestCreditFreelancer(t *testing.T) {
	entry, err := CreditFreelancer("free-1", "pay-1", 500, decimal.NewFromInt(10), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if entry.Amount != 450 || entry.FeeAmount != 50 || entry.GrossAmount != 500 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Kind != EntryCredit || entry.Signed() != 450 {
		t.Fatalf("credit should add to balance: %+v", entry)
	}

	// 2.5% of 333 = 8.325 -> 8
	if fee := PlatformFee(333, decimal.RequireFromString("2.5")); fee != 8 {
		t.Fatalf("fee = %d", fee)
	}
	// 2.5% of 340 = 8.5 -> 9 (half away from zero)
	if fee := PlatformFee(340, decimal.RequireFromString("2.5")); fee != 9 {
		t.Fatalf("fee = %d", fee)
	}

	if _, err := CreditFreelancer("free-1", "pay-1", 0, decimal.NewFromInt(10), time.Now()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
