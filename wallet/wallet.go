// Package wallet wraps the external wallet engine this system consumes
// over JSON-RPC: balance lookup, unsigned-transaction construction,
// signed-artifact submission and key-image synchronisation. The engine
// is treated as an opaque collaborator; its failures are mapped into
// the protocol error taxonomy at this boundary.
package wallet

import "context"

// Balance is a wallet balance snapshot in atomic units.
type Balance struct {
	Total          uint64
	Unlocked       uint64
	BlocksToUnlock uint64
}

// Unsigned is the artifact produced by constructing a transaction with
// relaying disabled. TxKey identifies the construction; a signed
// artifact must echo it back to be accepted.
type Unsigned struct {
	TxSet  string
	TxKey  string
	Fee    uint64
	Amount uint64
	Change uint64
}

// ImportResult reports a key-image import.
type ImportResult struct {
	Height  uint64
	Spent   uint64
	Unspent uint64
}

// SignedKeyImage is one spend proof from the signing side.
type SignedKeyImage struct {
	KeyImage  string
	Signature string
}

// Transfer is one entry from the wallet's transfer history.
type Transfer struct {
	TxID          string
	Height        uint64
	Timestamp     uint64
	Amount        uint64
	Fee           uint64
	Direction     string
	Confirmations uint64
	Address       string
}

// Engine is the wallet collaborator contract. All calls are synchronous
// and serialized per operator by the relay; implementations need not be
// safe for concurrent use on the same wallet.
type Engine interface {
	// CreateViewWallet creates a view-only wallet from a view credential.
	CreateViewWallet(ctx context.Context, name, address, viewKey string, restoreHeight uint64) error
	// OpenWallet switches the engine to the named wallet.
	OpenWallet(ctx context.Context, name string) error
	// Refresh scans the chain for new outputs.
	Refresh(ctx context.Context) error
	Balance(ctx context.Context) (Balance, error)
	Height(ctx context.Context) (uint64, error)
	// CreateUnsigned constructs a transaction with relaying disabled.
	CreateUnsigned(ctx context.Context, destination string, amount uint64, priority uint8) (Unsigned, error)
	// SubmitSigned broadcasts a cold-signed artifact and returns the
	// transaction hash.
	SubmitSigned(ctx context.Context, signedTxSet string) (string, error)
	ExportOutputs(ctx context.Context, all bool) (string, error)
	ImportKeyImages(ctx context.Context, images []SignedKeyImage, offset uint64) (ImportResult, error)
	Transfers(ctx context.Context, minHeight uint64, limit int) ([]Transfer, error)
	// Confirmations reports how many blocks bury the transaction, zero
	// while it sits in the pool.
	Confirmations(ctx context.Context, txHash string) (uint64, error)
}
