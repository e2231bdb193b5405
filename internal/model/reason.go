package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidReason is returned for reason codes outside the closed enumeration.
var ErrInvalidReason = errors.New("invalid reason code")

// ReasonKind is the fixed part of a reason code.
type ReasonKind string

const (
	ReasonWelcomeBonus     ReasonKind = "welcome_bonus"
	ReasonSpend            ReasonKind = "spend"
	ReasonRefund           ReasonKind = "refund"
	ReasonManualAdjustment ReasonKind = "manual_adjustment"
)

var operationKindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Reason is a ledger reason code. Spend and refund reasons carry the operation kind
// they relate to and render as "spend:<kind>" / "refund:<kind>".
type Reason struct {
	Kind      ReasonKind
	Operation string
}

func WelcomeBonus() Reason     { return Reason{Kind: ReasonWelcomeBonus} }
func ManualAdjustment() Reason { return Reason{Kind: ReasonManualAdjustment} }
func Spend(op string) Reason   { return Reason{Kind: ReasonSpend, Operation: op} }
func Refund(op string) Reason  { return Reason{Kind: ReasonRefund, Operation: op} }

// ParseReason parses the textual form of a reason code.
func ParseReason(s string) (Reason, error) {
	kind, op, hasOp := strings.Cut(s, ":")
	r := Reason{Kind: ReasonKind(kind)}
	if hasOp {
		r.Operation = op
	}
	if err := r.Validate(); err != nil {
		return Reason{}, err
	}
	return r, nil
}

// Validate checks r against the closed enumeration.
func (r Reason) Validate() error {
	switch r.Kind {
	case ReasonWelcomeBonus, ReasonManualAdjustment:
		if r.Operation != "" {
			return fmt.Errorf("%w: %s takes no operation kind", ErrInvalidReason, r.Kind)
		}
	case ReasonSpend, ReasonRefund:
		if !operationKindPattern.MatchString(r.Operation) {
			return fmt.Errorf("%w: bad operation kind %q", ErrInvalidReason, r.Operation)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidReason, r.Kind)
	}
	return nil
}

func (r Reason) String() string {
	if r.Operation == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.Operation
}

// IsZero reports whether r is unset.
func (r Reason) IsZero() bool { return r.Kind == "" }

// AllowsDebit reports whether an entry with this reason may carry a negative amount.
func (r Reason) AllowsDebit() bool {
	return r.Kind == ReasonSpend || r.Kind == ReasonManualAdjustment
}

// AllowsCredit reports whether an entry with this reason may carry a positive amount.
func (r Reason) AllowsCredit() bool {
	return r.Kind != ReasonSpend
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Reason) UnmarshalText(text []byte) error {
	parsed, err := ParseReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
