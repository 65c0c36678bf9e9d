package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshpay/storage"
)

func TestReconcilerFlagsStaleAfterSpend(t *testing.T) {
	recon, err := NewReconciler(storage.NewMemDB())
	require.NoError(t, err)

	require.False(t, recon.Stale("alice"))
	require.NoError(t, recon.RecordSpend("alice", "batch-1", time.Now()))
	require.True(t, recon.Stale("alice"))
	require.False(t, recon.Stale("bob"), "staleness must not leak across operators")

	require.NoError(t, recon.MarkApplied("alice", "batch-1", time.Now()))
	require.False(t, recon.Stale("alice"))
}

func TestMarkAppliedSettlesAllPendingBatches(t *testing.T) {
	recon, err := NewReconciler(storage.NewMemDB())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, recon.RecordSpend("alice", "batch-1", now))
	require.NoError(t, recon.RecordSpend("alice", "batch-2", now))
	require.Len(t, recon.Unapplied("alice"), 2)

	// One import carries the signing side's complete proof set, so it
	// settles every batch opened before it.
	require.NoError(t, recon.MarkApplied("alice", "batch-2", now))
	require.Empty(t, recon.Unapplied("alice"))
	require.False(t, recon.Stale("alice"))
}

func TestMarkAppliedForUnknownBatch(t *testing.T) {
	recon, err := NewReconciler(storage.NewMemDB())
	require.NoError(t, err)

	// An unsolicited import is still an application of fresh proofs.
	require.NoError(t, recon.MarkApplied("alice", "batch-x", time.Now()))
	require.False(t, recon.Stale("alice"))
}

func TestReconcilerSurvivesRestart(t *testing.T) {
	store := storage.NewMemDB()
	recon, err := NewReconciler(store)
	require.NoError(t, err)
	require.NoError(t, recon.RecordSpend("alice", "batch-1", time.Now()))

	reloaded, err := NewReconciler(store)
	require.NoError(t, err)
	require.True(t, reloaded.Stale("alice"), "unapplied batch lost across restart")

	require.NoError(t, reloaded.MarkApplied("alice", "batch-1", time.Now()))
	final, err := NewReconciler(store)
	require.NoError(t, err)
	require.False(t, final.Stale("alice"))
}
