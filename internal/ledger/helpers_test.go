package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"creditledger/internal/ledger"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/policy"
	"creditledger/internal/repository"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (b *recordingBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, published{subject: subject, data: data})
	return nil
}

func (b *recordingBus) on(subject string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, m := range b.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// flakyStore fails Post with failErr while failing is set, and with ErrConflict for
// the first conflicts calls.
type flakyStore struct {
	*repository.MemoryStore
	failing   atomic.Bool
	failErr   error
	conflicts atomic.Int32
	posts     atomic.Int32
}

func (s *flakyStore) Post(ctx context.Context, p model.Posting) (model.PostingResult, error) {
	s.posts.Add(1)
	if s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		return model.PostingResult{}, ledger.ErrConflict
	}
	if s.failing.Load() {
		return model.PostingResult{}, s.failErr
	}
	return s.MemoryStore.Post(ctx, p)
}

type fixture struct {
	store       *flakyStore
	bus         *recordingBus
	metrics     *metrics.Metrics
	authority   *ledger.Authority
	compensator *ledger.Compensator
	charger     *ledger.Charger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   &flakyStore{MemoryStore: repository.NewMemoryStore(), failErr: errors.New("disk on fire")},
		bus:     &recordingBus{},
		metrics: metrics.New(),
	}
	f.authority = ledger.NewAuthority(f.store,
		ledger.WithPublisher(f.bus),
		ledger.WithMetrics(f.metrics),
		ledger.WithWelcomeGrant(model.MustParseCredits("10")),
		ledger.WithRetry(time.Millisecond, 3),
	)
	f.compensator = ledger.NewCompensator(f.authority, f.bus, f.metrics, nil)
	table, err := policy.New(policy.DefaultCosts())
	require.NoError(t, err)
	f.charger = ledger.NewCharger(f.authority, f.compensator, table, nil)
	return f
}

func (f *fixture) account(t *testing.T, id string) {
	t.Helper()
	_, err := f.authority.CreateAccount(context.Background(), id)
	require.NoError(t, err)
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func credits(s string) model.Credits { return model.MustParseCredits(s) }

func imageSpend(id, ref string) model.Posting {
	return model.Posting{
		AccountID: id,
		Amount:    credits("1"),
		Reason:    model.Spend(policy.ImageGeneration),
		Reference: ref,
	}
}

// counter reads a counter sample from m's registry; labels must match exactly.
func counter(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if want[p.GetName()] != p.GetValue() {
			return false
		}
	}
	return true
}

func postings(t *testing.T, m *metrics.Metrics, reason model.ReasonKind, outcome string) float64 {
	return counter(t, m, "credit_ledger_ledger_postings_total", map[string]string{
		"reason":  string(reason),
		"outcome": outcome,
	})
}
