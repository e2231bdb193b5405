package ledger_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"creditledger/internal/ledger"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedBalance struct {
	balance model.Credits
	version int64
}

// versionedCache follows the Redis cache rules: stale versions are refused and
// Invalidate leaves a tombstone.
type versionedCache struct {
	mu      sync.Mutex
	entries map[string]cachedBalance
}

func newVersionedCache() *versionedCache {
	return &versionedCache{entries: make(map[string]cachedBalance)}
}

func (c *versionedCache) Get(_ context.Context, accountID string) (model.Credits, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[accountID]
	if !ok || e.version == math.MaxInt64 {
		return 0, false, nil
	}
	return e.balance, true, nil
}

func (c *versionedCache) Store(_ context.Context, accountID string, balance model.Credits, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[accountID]; ok && e.version >= version {
		return nil
	}
	c.entries[accountID] = cachedBalance{balance: balance, version: version}
	return nil
}

func (c *versionedCache) Invalidate(_ context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[accountID] = cachedBalance{version: math.MaxInt64}
	return nil
}

func (c *versionedCache) evict(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
}

// slowReadStore holds GetAccount after it has read the account until release is closed.
type slowReadStore struct {
	*repository.MemoryStore
	hold    atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (s *slowReadStore) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	acc, err := s.MemoryStore.GetAccount(ctx, accountID)
	if s.hold.CompareAndSwap(true, false) {
		close(s.read)
		<-s.release
	}
	return acc, err
}

func TestBalanceReadRacingDelete(t *testing.T) {
	ctx := context.Background()
	store := &slowReadStore{
		MemoryStore: repository.NewMemoryStore(),
		read:        make(chan struct{}),
		release:     make(chan struct{}),
	}
	cache := newVersionedCache()
	a := ledger.NewAuthority(store,
		ledger.WithCache(cache),
		ledger.WithWelcomeGrant(credits("10")),
	)

	_, err := a.CreateAccount(ctx, "u1")
	require.NoError(t, err)
	cache.evict("u1")

	store.hold.Store(true)
	done := make(chan model.Credits)
	go func() {
		bal, err := a.GetBalance(ctx, "u1")
		assert.NoError(t, err)
		done <- bal
	}()

	<-store.read
	require.NoError(t, a.DeleteAccount(ctx, "u1"))
	close(store.release)
	assert.Equal(t, credits("10"), <-done)

	_, err = a.GetBalance(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	_, err = a.HasSufficientBalance(ctx, "u1", credits("1"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestRecreatedAccountIsReadFromStore(t *testing.T) {
	ctx := context.Background()
	cache := newVersionedCache()
	a := ledger.NewAuthority(repository.NewMemoryStore(),
		ledger.WithCache(cache),
		ledger.WithWelcomeGrant(credits("10")),
	)

	_, err := a.CreateAccount(ctx, "u1")
	require.NoError(t, err)
	_, err = a.Debit(ctx, imageSpend("u1", "img-1"))
	require.NoError(t, err)
	require.NoError(t, a.DeleteAccount(ctx, "u1"))

	_, err = a.CreateAccount(ctx, "u1")
	require.NoError(t, err)
	bal, err := a.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, credits("10"), bal)
}
