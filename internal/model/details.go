package model

import (
	"fmt"
)

// DetailsVersion is the schema version written with every entry.
const DetailsVersion = 1

// Details is the typed payload stored with an entry. Exactly one variant is set and it
// must agree with the entry's reason kind.
type Details struct {
	Version    int                `json:"v"`
	Grant      *GrantDetails      `json:"grant,omitempty"`
	Spend      *SpendDetails      `json:"spend,omitempty"`
	Refund     *RefundDetails     `json:"refund,omitempty"`
	Adjustment *AdjustmentDetails `json:"adjustment,omitempty"`
}

// GrantDetails describes promotional credit: the welcome grant or a bonus program.
type GrantDetails struct {
	Program string `json:"program"`
}

// SpendDetails describes a paid operation debit.
type SpendDetails struct {
	Operation string  `json:"operation"`
	UnitCost  Credits `json:"unit_cost"`
}

// RefundDetails links a refund to the debit it compensates.
type RefundDetails struct {
	OriginalEntryID int64  `json:"original_entry_id"`
	Cause           string `json:"cause,omitempty"`
}

// AdjustmentDetails describes a manual change such as a purchase or an operator correction.
type AdjustmentDetails struct {
	Source string `json:"source"`
	Actor  string `json:"actor,omitempty"`
	Note   string `json:"note,omitempty"`
}

const (
	ProgramWelcome    = "welcome"
	ProgramReferral   = "referral"
	ProgramFirstShare = "first_share"
)

func GrantOf(program string) Details {
	return Details{Version: DetailsVersion, Grant: &GrantDetails{Program: program}}
}

func SpendOf(op string, cost Credits) Details {
	return Details{Version: DetailsVersion, Spend: &SpendDetails{Operation: op, UnitCost: cost}}
}

func RefundOf(originalEntryID int64, cause string) Details {
	return Details{Version: DetailsVersion, Refund: &RefundDetails{OriginalEntryID: originalEntryID, Cause: cause}}
}

func AdjustmentOf(source, actor, note string) Details {
	return Details{Version: DetailsVersion, Adjustment: &AdjustmentDetails{Source: source, Actor: actor, Note: note}}
}

func (d Details) variants() int {
	n := 0
	if d.Grant != nil {
		n++
	}
	if d.Spend != nil {
		n++
	}
	if d.Refund != nil {
		n++
	}
	if d.Adjustment != nil {
		n++
	}
	return n
}

// IsZero reports whether no variant is set.
func (d Details) IsZero() bool { return d.variants() == 0 }

// CheckFor verifies d is a legal payload for reason r. Empty details are always allowed.
func (d Details) CheckFor(r Reason) error {
	switch d.variants() {
	case 0:
		return nil
	case 1:
	default:
		return fmt.Errorf("%w: details carry more than one variant", ErrInvalidReason)
	}
	if d.Version != DetailsVersion {
		return fmt.Errorf("%w: unsupported details version %d", ErrInvalidReason, d.Version)
	}

	ok := false
	switch r.Kind {
	case ReasonWelcomeBonus:
		ok = d.Grant != nil
	case ReasonSpend:
		ok = d.Spend != nil && d.Spend.Operation == r.Operation
	case ReasonRefund:
		ok = d.Refund != nil
	case ReasonManualAdjustment:
		ok = d.Adjustment != nil || d.Grant != nil
	}
	if !ok {
		return fmt.Errorf("%w: details do not match %s", ErrInvalidReason, r)
	}
	return nil
}
