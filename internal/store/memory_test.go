package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	raw, err := m.Get(ctx, "gbc")
	require.NoError(t, err)
	assert.Nil(t, raw, "absent path reads as nil")

	require.NoError(t, m.Set(ctx, "gbc", 42))
	raw, err = m.Get(ctx, "gbc")
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(raw))

	require.NoError(t, m.Set(ctx, "bph/client1/k1", [2]int64{100, 7}))
	raw, err = m.Get(ctx, "bph")
	require.NoError(t, err)
	assert.JSONEq(t, `{"client1":{"k1":[100,7]}}`, string(raw))

	require.NoError(t, m.Remove(ctx, "bph/client1"))
	raw, err = m.Get(ctx, "bph")
	require.NoError(t, err)
	assert.Nil(t, raw, "empty subtree reads as absent")
}

func TestMemorySetEmptyObjectClears(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "bph/c/k", [2]int64{1, 1}))
	require.NoError(t, m.Set(ctx, "bph", map[string]any{}))

	raw, err := m.Get(ctx, "bph")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestMemoryAtomicAdd(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v, err := m.AtomicAdd(ctx, "gbc", 7)
	require.NoError(t, err)
	assert.EqualValues(t, 7, v, "absent leaf counts from zero")

	v, err = m.AtomicAdd(ctx, "gbc", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 10, v)

	require.NoError(t, m.Set(ctx, "gbc", "not-a-number"))
	_, err = m.AtomicAdd(ctx, "gbc", 1)
	assert.Error(t, err)
}

func TestMemoryPushAssignsOrderedKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	k1, err := m.Push(ctx, "bph/c", [2]int64{1, 1})
	require.NoError(t, err)
	k2, err := m.Push(ctx, "bph/c", [2]int64{2, 2})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.Less(t, k1, k2, "push keys are time-ordered")

	raw, err := m.Get(ctx, "bph/c/"+k1)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,1]`, string(raw))
}

func TestMemorySubscribeReplaysAndNotifies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "bph/c/pre", [2]int64{1, 1}))

	var mu sync.Mutex
	var added []string
	var removed []string
	snapAdded := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), added...)
	}
	snapRemoved := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), removed...)
	}

	unsub, err := m.Subscribe("bph/c",
		func(key string, raw json.RawMessage) {
			mu.Lock()
			added = append(added, key)
			mu.Unlock()
		},
		func(key string) {
			mu.Lock()
			removed = append(removed, key)
			mu.Unlock()
		},
	)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(snapAdded()) == 1 }, time.Second, 5*time.Millisecond,
		"existing children replay on subscribe")
	assert.Equal(t, []string{"pre"}, snapAdded())

	key, err := m.Push(ctx, "bph/c", [2]int64{2, 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(snapAdded()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pre", key}, snapAdded())

	require.NoError(t, m.Remove(ctx, "bph/c/pre"))
	require.Eventually(t, func() bool { return len(snapRemoved()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pre"}, snapRemoved())

	unsub()
	_, err = m.Push(ctx, "bph/c", [2]int64{3, 3})
	require.NoError(t, err)
	assert.Len(t, snapAdded(), 2, "no notifications after unsubscribe")
}

func TestMemorySubscribeValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "gbc", 42))

	var mu sync.Mutex
	var seen []string
	snap := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}

	unsub, err := m.SubscribeValue("gbc", func(raw json.RawMessage) {
		mu.Lock()
		seen = append(seen, string(raw))
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(snap()) == 1 }, time.Second, 5*time.Millisecond,
		"current value replays on subscribe")
	assert.Equal(t, []string{"42"}, snap())

	_, err = m.AtomicAdd(ctx, "gbc", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(snap()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"42", "43"}, snap())

	unsub()
	_, err = m.AtomicAdd(ctx, "gbc", 1)
	require.NoError(t, err)
	assert.Len(t, snap(), 2)
}

func TestMemorySubscribeLargeReplayReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const n = 2000
	children := make(map[string]any, n)
	for i := 0; i < n; i++ {
		children[fmt.Sprintf("k%04d", i)] = [2]int64{int64(i + 1), 1}
	}
	require.NoError(t, m.Set(ctx, "bph/big", children))

	// The handler hands keys over an unbuffered channel, so nothing is
	// consumed until after Subscribe has returned. The call must not wait
	// for the replay to drain.
	keys := make(chan string)
	unsub, err := m.Subscribe("bph/big",
		func(key string, raw json.RawMessage) { keys <- key },
		func(key string) {},
	)
	require.NoError(t, err)
	defer unsub()

	for i := 0; i < n; i++ {
		select {
		case key := <-keys:
			assert.Equal(t, fmt.Sprintf("k%04d", i), key, "replay arrives in key order")
		case <-time.After(2 * time.Second):
			t.Fatalf("replay stalled at entry %d", i)
		}
	}
}

func TestMemorySigninSharesTree(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	s1, err := m.Signin(ctx, "tok-a")
	require.NoError(t, err)
	s2, err := m.Signin(ctx, "tok-b")
	require.NoError(t, err)

	require.NoError(t, s1.Set(ctx, "gbc", 5))
	raw, err := s2.Get(ctx, "gbc")
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(raw))

	require.NoError(t, s1.Close(ctx))
	require.NoError(t, s2.Close(ctx))
}
