package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"meshpay/storage"
)

// KeyImageBatch records one set of spend proofs the signing side owes
// the view wallet. While any batch for an operator is unapplied, the
// view wallet cannot see which outputs were consumed, so the cached
// balance is untrustworthy.
type KeyImageBatch struct {
	Operator   string
	BatchID    string
	ExportedAt uint64
	Applied    bool
}

var batchKeyPrefix = []byte("kib/")

func batchKey(operator, batchID string) []byte {
	return []byte(fmt.Sprintf("kib/%s/%s", operator, batchID))
}

// Reconciler keeps the ledger of exported and imported spend-proof
// batches per operator. It is the application-layer guard against
// double-counting already-spent outputs, independent of the network's
// own double-spend protection.
type Reconciler struct {
	mu      sync.Mutex
	store   storage.Database
	batches map[string]map[string]*KeyImageBatch // operator -> batch id
}

// NewReconciler loads the batch ledger from the store.
func NewReconciler(store storage.Database) (*Reconciler, error) {
	r := &Reconciler{
		store:   store,
		batches: make(map[string]map[string]*KeyImageBatch),
	}
	err := store.IteratePrefix(batchKeyPrefix, func(key, value []byte) bool {
		batch := new(KeyImageBatch)
		if err := rlp.DecodeBytes(value, batch); err != nil {
			return true
		}
		r.insertLocked(batch)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("load key image ledger: %w", err)
	}
	return r, nil
}

// RecordSpend opens an unapplied batch after a broadcast: the view
// wallet has just lost sight of whichever outputs the signed
// transaction consumed, and stays untrusted until the signing side
// pushes fresh key images.
func (r *Reconciler) RecordSpend(operator, batchID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := &KeyImageBatch{
		Operator:   operator,
		BatchID:    batchID,
		ExportedAt: uint64(now.UnixMilli()),
	}
	r.insertLocked(batch)
	return r.persistLocked(batch)
}

// MarkApplied settles a batch after a successful key-image import. The
// import carries the signing side's complete current proof set, so
// every batch opened before it is settled along with it.
func (r *Reconciler) MarkApplied(operator, batchID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := r.batches[operator]
	if ops == nil {
		ops = make(map[string]*KeyImageBatch)
		r.batches[operator] = ops
	}
	if _, ok := ops[batchID]; !ok {
		ops[batchID] = &KeyImageBatch{
			Operator:   operator,
			BatchID:    batchID,
			ExportedAt: uint64(now.UnixMilli()),
		}
	}
	for _, batch := range ops {
		if batch.Applied {
			continue
		}
		batch.Applied = true
		if err := r.persistLocked(batch); err != nil {
			return err
		}
	}
	return nil
}

// Stale reports whether any batch for the operator remains unapplied.
func (r *Reconciler) Stale(operator string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, batch := range r.batches[operator] {
		if !batch.Applied {
			return true
		}
	}
	return false
}

// Unapplied returns the unapplied batch identifiers for an operator.
func (r *Reconciler) Unapplied(operator string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, batch := range r.batches[operator] {
		if !batch.Applied {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Reconciler) insertLocked(batch *KeyImageBatch) {
	ops := r.batches[batch.Operator]
	if ops == nil {
		ops = make(map[string]*KeyImageBatch)
		r.batches[batch.Operator] = ops
	}
	ops[batch.BatchID] = batch
}

func (r *Reconciler) persistLocked(batch *KeyImageBatch) error {
	encoded, err := rlp.EncodeToBytes(batch)
	if err != nil {
		return err
	}
	return r.store.Put(batchKey(batch.Operator, batch.BatchID), encoded)
}
