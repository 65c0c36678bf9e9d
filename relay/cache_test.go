package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"meshpay/protocol"
	"meshpay/storage"
)

func TestResponseCacheFirstWriteWins(t *testing.T) {
	c := newResponseCache(storage.NewMemDB())

	got := c.Put("alice", "req-1", protocol.KindCreateTransaction, []byte("artifact"))
	require.Equal(t, []byte("artifact"), got)

	// A racing late write cannot displace the settled reply; the caller
	// is told what to send instead.
	got = c.Put("alice", "req-1", protocol.KindCreateTransaction, []byte("late failure"))
	require.Equal(t, []byte("artifact"), got)

	cached, ok := c.Get("alice", "req-1", protocol.KindCreateTransaction)
	require.True(t, ok)
	require.Equal(t, []byte("artifact"), cached)

	// A different kind under the same request id is its own entry.
	_, ok = c.Get("alice", "req-1", protocol.KindBalanceRequest)
	require.False(t, ok)
}

func TestResponseCacheMemoryBounded(t *testing.T) {
	store := storage.NewMemDB()
	c := newResponseCache(store)

	total := responseCacheMemLimit + 8
	for i := 0; i < total; i++ {
		c.Put("alice", fmt.Sprintf("req-%d", i), protocol.KindBalanceRequest, []byte(fmt.Sprintf("reply-%d", i)))
	}
	require.LessOrEqual(t, len(c.mem), responseCacheMemLimit)

	// Evicted entries still answer from the store.
	cached, ok := c.Get("alice", "req-0", protocol.KindBalanceRequest)
	require.True(t, ok)
	require.Equal(t, []byte("reply-0"), cached)

	// And a late write on an evicted key still loses to the original.
	got := c.Put("alice", "req-1", protocol.KindBalanceRequest, []byte("usurper"))
	require.Equal(t, []byte("reply-1"), got)
}

func TestResponseCacheSurvivesRestart(t *testing.T) {
	store := storage.NewMemDB()
	c := newResponseCache(store)
	c.Put("alice", "req-1", protocol.KindSignedTransaction, []byte("broadcast result"))

	reopened := newResponseCache(store)
	cached, ok := reopened.Get("alice", "req-1", protocol.KindSignedTransaction)
	require.True(t, ok)
	require.Equal(t, []byte("broadcast result"), cached)
}
