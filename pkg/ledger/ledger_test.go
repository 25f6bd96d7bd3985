package ledger

import (
	"testing"

	"github.com/google/uuid"
)

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	l := &Ledger{}
	if _, err := l.Debit(nil, uuid.New(), 0, "call", uuid.New().String(), "", nil, "key"); err != ErrInvalidAmount {
		t.Errorf("Debit(0) error = %v, want ErrInvalidAmount", err)
	}
	if _, err := l.Debit(nil, uuid.New(), -5, "call", uuid.New().String(), "", nil, "key"); err != ErrInvalidAmount {
		t.Errorf("Debit(-5) error = %v, want ErrInvalidAmount", err)
	}
}

func TestRefundRejectsNonPositiveAmount(t *testing.T) {
	l := &Ledger{}
	if _, err := l.Refund(nil, uuid.New(), 0, "call", uuid.New().String(), "", nil, "key"); err != ErrInvalidAmount {
		t.Errorf("Refund(0) error = %v, want ErrInvalidAmount", err)
	}
}

func TestAdjustRejectsZero(t *testing.T) {
	l := &Ledger{}
	if _, err := l.Adjust(nil, uuid.New(), 0, "correction", nil, "key"); err != ErrInvalidAmount {
		t.Errorf("Adjust(0) error = %v, want ErrInvalidAmount", err)
	}
}
