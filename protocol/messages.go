package protocol

// Kind identifies one message schema in the catalog. Requests carry odd
// numbered kinds, their responses the following even number, except for
// the unsolicited kinds at the end of the range.
type Kind uint8

const (
	KindProvisionWallet         Kind = 0x01
	KindProvisionAck            Kind = 0x02
	KindBalanceRequest          Kind = 0x03
	KindBalanceResponse         Kind = 0x04
	KindCreateTransaction       Kind = 0x05
	KindUnsignedTransaction     Kind = 0x06
	KindSignedTransaction       Kind = 0x07
	KindTransactionResult       Kind = 0x08
	KindTransactionHistory      Kind = 0x09
	KindHistoryResponse         Kind = 0x0A
	KindExportOutputs           Kind = 0x0B
	KindExportOutputsResponse   Kind = 0x0C
	KindImportKeyImages         Kind = 0x0D
	KindImportKeyImagesResponse Kind = 0x0E
	KindStatus                  Kind = 0x0F
	KindError                   Kind = 0x10
)

var kindNames = map[Kind]string{
	KindProvisionWallet:         "provision_wallet",
	KindProvisionAck:            "provision_ack",
	KindBalanceRequest:          "balance_request",
	KindBalanceResponse:         "balance_response",
	KindCreateTransaction:       "create_transaction",
	KindUnsignedTransaction:     "unsigned_transaction",
	KindSignedTransaction:       "signed_transaction",
	KindTransactionResult:       "transaction_result",
	KindTransactionHistory:      "transaction_history",
	KindHistoryResponse:         "history_response",
	KindExportOutputs:           "export_outputs",
	KindExportOutputsResponse:   "export_outputs_response",
	KindImportKeyImages:         "import_key_images",
	KindImportKeyImagesResponse: "import_key_images_response",
	KindStatus:                  "status",
	KindError:                   "error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Known reports whether the kind is part of the catalog.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// Request reports whether the kind originates on the client side.
func (k Kind) Request() bool {
	switch k {
	case KindProvisionWallet, KindBalanceRequest, KindCreateTransaction,
		KindSignedTransaction, KindTransactionHistory, KindExportOutputs,
		KindImportKeyImages:
		return true
	}
	return false
}

// ResponseKind returns the kind answering a request kind.
func (k Kind) ResponseKind() Kind {
	switch k {
	case KindProvisionWallet:
		return KindProvisionAck
	case KindBalanceRequest:
		return KindBalanceResponse
	case KindCreateTransaction:
		return KindUnsignedTransaction
	case KindSignedTransaction:
		return KindTransactionResult
	case KindTransactionHistory:
		return KindHistoryResponse
	case KindExportOutputs:
		return KindExportOutputsResponse
	case KindImportKeyImages:
		return KindImportKeyImagesResponse
	}
	return KindError
}

// All monetary fields are atomic units (1e12 per coin). RLP has no
// signed or floating point types, so nothing on the wire is fractional.

// ProvisionWallet binds a view credential to an operator identifier on
// the relay. The spend credential never appears in any message.
type ProvisionWallet struct {
	ViewKey       string
	WalletAddress string
	WalletName    string
	RestoreHeight uint64
}

// ProvisionAck acknowledges wallet provisioning.
type ProvisionAck struct {
	Success bool
	Status  string
}

// BalanceRequest queries the operator's view wallet balance. Operator
// and request identifiers travel in the envelope.
type BalanceRequest struct {
	Refresh bool
}

// BalanceResponse reports balances in atomic units.
type BalanceResponse struct {
	Balance        uint64
	Unlocked       uint64
	SyncHeight     uint64
	BlocksToUnlock uint64
}

// CreateTransaction asks the relay to construct an unsigned transaction
// against the operator's spendable outputs.
type CreateTransaction struct {
	Destination string
	Amount      uint64
	Priority    uint8
}

// UnsignedTransaction returns the unsigned artifact for cold signing.
// TxKey is the artifact identity the signed artifact must echo back.
type UnsignedTransaction struct {
	UnsignedTxSet string
	TxKey         string
	Fee           uint64
	Total         uint64
	Change        uint64
}

// SignedTransaction submits the cold-signed artifact for broadcast. The
// request identifier must match the CreateTransaction that produced the
// unsigned artifact, and TxKey must match the issued artifact identity.
type SignedTransaction struct {
	SignedTxSet string
	TxKey       string
}

// TransactionResult reports the outcome of a broadcast.
type TransactionResult struct {
	TxHash string
	TxKey  string
	Fee    uint64
	Status string
}

// Broadcast status values carried in TransactionResult.Status.
const (
	TxStatusBroadcast = "broadcast"
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
)

// TransactionHistory requests recent transfers for the operator.
type TransactionHistory struct {
	Limit     uint32
	MinHeight uint64
}

// HistoryEntry is one transfer in a history response.
type HistoryEntry struct {
	TxHash        string
	Height        uint64
	Timestamp     uint64
	Amount        uint64
	Fee           uint64
	Direction     string
	Confirmations uint64
	Counterparty  string
}

// HistoryResponse lists transfers newest first.
type HistoryResponse struct {
	Transactions []HistoryEntry
}

// ExportOutputs asks the relay to export the view wallet's outputs so
// the signing side can initialise its cold wallet.
type ExportOutputs struct {
	All bool
}

// ExportOutputsResponse carries the exported outputs blob. This is the
// largest response in the catalog and is always fragmented on real links.
type ExportOutputsResponse struct {
	OutputsHex string
}

// SignedKeyImage is one spend proof produced by the signing side.
type SignedKeyImage struct {
	KeyImage  string
	Signature string
}

// ImportKeyImages pushes a batch of spend proofs from the signing side
// into the relay's view wallet. BatchID names the batch in the
// reconciliation ledger.
type ImportKeyImages struct {
	BatchID   string
	KeyImages []SignedKeyImage
	Offset    uint64
}

// ImportKeyImagesResponse reports the import result.
type ImportKeyImagesResponse struct {
	Height  uint64
	Spent   uint64
	Unspent uint64
}

// Status event types pushed from the relay.
const (
	StatusTxReceived        = "tx_received"
	StatusTxConfirmed       = "tx_confirmed"
	StatusSyncComplete      = "sync_complete"
	StatusProvisionComplete = "provision_complete"
)

// Status is an unsolicited, best-effort push from relay to client.
type Status struct {
	Event   string
	TxHash  string
	Amount  uint64
	Message string
}

// ErrorPayload reports a failed request. Code is one of the taxonomy
// codes in errors.go; the request identifier travels in the envelope so
// the caller can correlate the failure with its pending operation.
type ErrorPayload struct {
	Code   string
	Detail string
}
