package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/limits"
	"github.com/boopnet/boopd/internal/store"
)

func newJanitor(mem *store.Memory, now int64) *Janitor {
	tokens := auth.NewSource(auth.NewJWTMinter("test-secret", "boopd-test"), nil, "tokens", zerolog.Nop())
	return New(Config{
		Connector: mem,
		Tokens:    tokens,
		UserID:    "janitor",
		Logger:    zerolog.Nop(),
		Now:       func() int64 { return now },
	})
}

func TestSweepEmptyLedger(t *testing.T) {
	mem := store.NewMemory()
	j := newJanitor(mem, time.Now().UnixMilli())
	require.NoError(t, j.Sweep(context.Background()))
}

func TestSweepResetsNonObjectRoot(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, store.BPHRoot, 7))

	j := newJanitor(mem, time.Now().UnixMilli())
	require.NoError(t, j.Sweep(ctx))

	raw, err := mem.Get(ctx, store.BPHRoot)
	require.NoError(t, err)
	// Empty object and absent read the same.
	assert.Nil(t, raw)
}

func TestSweepRemovesStaleAndMalformed(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UnixMilli()
	mem := store.NewMemory()

	// Live entry, inside its validity window.
	require.NoError(t, mem.Set(ctx, store.EntryPath("alice", "live"), []int64{now + 100_000, 5}))
	// Expired but within the one-hour grace the owning session gets.
	require.NoError(t, mem.Set(ctx, store.EntryPath("alice", "grace"), []int64{now - 10, 3}))
	// Expired past the grace period.
	require.NoError(t, mem.Set(ctx, store.EntryPath("alice", "stale"), []int64{now - limits.BPHWindowMs - 1, 3}))
	// Not a ledger entry at all.
	require.NoError(t, mem.Set(ctx, store.EntryPath("alice", "bad"), "garbage"))
	// A client subtree that is not an object.
	require.NoError(t, mem.Set(ctx, store.BPHPath("mallory"), 42))

	j := newJanitor(mem, now)
	require.NoError(t, j.Sweep(ctx))

	for path, want := range map[string]bool{
		store.EntryPath("alice", "live"):  true,
		store.EntryPath("alice", "grace"): true,
		store.EntryPath("alice", "stale"): false,
		store.EntryPath("alice", "bad"):   false,
		store.BPHPath("mallory"):          false,
	} {
		raw, err := mem.Get(ctx, path)
		require.NoError(t, err)
		if want {
			assert.NotNil(t, raw, path)
		} else {
			assert.Nil(t, raw, path)
		}
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UnixMilli()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, store.EntryPath("alice", "stale"), []int64{now - limits.BPHWindowMs - 1, 3}))

	j := newJanitor(mem, now)
	require.NoError(t, j.Sweep(ctx))
	require.NoError(t, j.Sweep(ctx))

	raw, err := mem.Get(ctx, store.BPHPath("alice"))
	require.NoError(t, err)
	assert.Nil(t, raw)
}
