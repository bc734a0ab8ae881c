package justification

import (
	"errors"
	"strings"
	"testing"

	brokererrors "github.com/copperline/jitbroker/internal/errors"
	"github.com/copperline/jitbroker/internal/identity"
)

const user = identity.UserID("user-1@example.com")

func TestMinLength(t *testing.T) {
	policy, err := NewRulePolicy(Options{MinLength: 10})
	if err != nil {
		t.Fatalf("NewRulePolicy: %v", err)
	}

	if err := policy.CheckJustification(user, "short"); !errors.Is(err, brokererrors.ErrInvalidJustification) {
		t.Errorf("short text: error = %v, want ErrInvalidJustification", err)
	}
	if err := policy.CheckJustification(user, "   padded    "); !errors.Is(err, brokererrors.ErrInvalidJustification) {
		t.Errorf("whitespace should not count toward length, error = %v", err)
	}
	if err := policy.CheckJustification(user, "long enough justification"); err != nil {
		t.Errorf("valid text rejected: %v", err)
	}
}

func TestPattern(t *testing.T) {
	policy, err := NewRulePolicy(Options{Pattern: `^b/\d+`, Hint: "Bug number, e.g. b/12345"})
	if err != nil {
		t.Fatalf("NewRulePolicy: %v", err)
	}

	if err := policy.CheckJustification(user, "because I want to"); !errors.Is(err, brokererrors.ErrInvalidJustification) {
		t.Errorf("non-matching text: error = %v, want ErrInvalidJustification", err)
	}
	if err := policy.CheckJustification(user, "b/12345 investigating outage"); err != nil {
		t.Errorf("matching text rejected: %v", err)
	}
}

func TestHintInMessage(t *testing.T) {
	policy, err := NewRulePolicy(Options{MinLength: 5, Hint: "ticket id"})
	if err != nil {
		t.Fatalf("NewRulePolicy: %v", err)
	}
	checkErr := policy.CheckJustification(user, "ab")
	if checkErr == nil {
		t.Fatal("expected rejection")
	}
	if got := checkErr.Error(); !strings.Contains(got, "ticket id") {
		t.Errorf("error %q should contain the hint", got)
	}
	if policy.Hint() != "ticket id" {
		t.Errorf("Hint() = %q", policy.Hint())
	}
}

func TestBadPattern(t *testing.T) {
	if _, err := NewRulePolicy(Options{Pattern: "("}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestZeroMinLengthStillRequiresText(t *testing.T) {
	policy, err := NewRulePolicy(Options{})
	if err != nil {
		t.Fatalf("NewRulePolicy: %v", err)
	}
	if err := policy.CheckJustification(user, "   "); !errors.Is(err, brokererrors.ErrInvalidJustification) {
		t.Errorf("blank text: error = %v, want ErrInvalidJustification", err)
	}
	if err := policy.CheckJustification(user, "x"); err != nil {
		t.Errorf("single character rejected: %v", err)
	}
}
