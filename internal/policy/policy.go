// Package policy holds the usage policy table: the static cost of each paid operation kind.
package policy

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"creditledger/internal/model"
)

// ErrUnknownOperationKind is returned by CostOf for kinds missing from the table.
var ErrUnknownOperationKind = errors.New("unknown operation kind")

// Well-known operation kinds.
const (
	ImageGeneration   = "image_generation"
	CaptionGeneration = "caption_generation"
	BackgroundRemoval = "background_removal"
)

// DefaultCosts is the cost table used when no configuration overrides it.
func DefaultCosts() map[string]model.Credits {
	return map[string]model.Credits{
		ImageGeneration:   model.MustParseCredits("1"),
		CaptionGeneration: model.MustParseCredits("0.3"),
		BackgroundRemoval: model.MustParseCredits("0.5"),
	}
}

// Table maps operation kinds to their cost. It is immutable once built.
type Table struct {
	costs map[string]model.Credits
}

// New validates costs and returns a table holding its own copy of them.
func New(costs map[string]model.Credits) (*Table, error) {
	if len(costs) == 0 {
		return nil, errors.New("policy: empty cost table")
	}
	for kind, cost := range costs {
		if err := model.Spend(kind).Validate(); err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		if cost <= 0 {
			return nil, fmt.Errorf("policy: cost of %s must be positive, got %s", kind, cost)
		}
	}
	return &Table{costs: maps.Clone(costs)}, nil
}

// Parse reads a table from "kind=cost,kind=cost" text, e.g. "image_generation=1,caption_generation=0.3".
func Parse(spec string) (*Table, error) {
	costs := make(map[string]model.Credits)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kind, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("policy: malformed entry %q", pair)
		}
		kind = strings.TrimSpace(kind)
		if _, dup := costs[kind]; dup {
			return nil, fmt.Errorf("policy: duplicate kind %q", kind)
		}
		cost, err := model.ParseCredits(raw)
		if err != nil {
			return nil, fmt.Errorf("policy: cost of %s: %w", kind, err)
		}
		costs[kind] = cost
	}
	return New(costs)
}

// CostOf returns the cost of one operation of the given kind.
func (t *Table) CostOf(kind string) (model.Credits, error) {
	cost, ok := t.costs[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperationKind, kind)
	}
	return cost, nil
}

// Kinds returns the known operation kinds in sorted order.
func (t *Table) Kinds() []string {
	return slices.Sorted(maps.Keys(t.costs))
}

// Costs returns a copy of the table.
func (t *Table) Costs() map[string]model.Credits {
	return maps.Clone(t.costs)
}

// DefaultBonuses is the credit each promotional program grants when the caller
// does not name an amount.
func DefaultBonuses() map[string]model.Credits {
	return map[string]model.Credits{
		model.ProgramWelcome:    model.MustParseCredits("10"),
		model.ProgramReferral:   model.MustParseCredits("5"),
		model.ProgramFirstShare: model.MustParseCredits("2"),
	}
}
