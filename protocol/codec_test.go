package protocol

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	bodies := map[Kind]any{
		KindProvisionWallet: &ProvisionWallet{
			ViewKey:       "9f3a6c1e",
			WalletAddress: "49oHpeXzi9Kb",
			WalletName:    "field-unit-7",
			RestoreHeight: 2_987_000,
		},
		KindProvisionAck:      &ProvisionAck{Success: true, Status: "view wallet created"},
		KindBalanceRequest:    &BalanceRequest{Refresh: true},
		KindBalanceResponse:   &BalanceResponse{Balance: 1_500_000_000_000, Unlocked: 1_200_000_000_000, SyncHeight: 3_001_200, BlocksToUnlock: 3},
		KindCreateTransaction: &CreateTransaction{Destination: "49oHpeXzi9Kb", Amount: 1_500_000_000_000, Priority: 1},
		KindUnsignedTransaction: &UnsignedTransaction{
			UnsignedTxSet: "4d6f6e65726f20756e7369676e6564",
			TxKey:         "c3b1",
			Fee:           120_000_000,
			Total:         1_500_120_000_000,
			Change:        310_000_000_000,
		},
		KindSignedTransaction: &SignedTransaction{SignedTxSet: "4d6f6e65726f207369676e6564", TxKey: "c3b1"},
		KindTransactionResult: &TransactionResult{TxHash: "ab12", TxKey: "c3b1", Fee: 120_000_000, Status: TxStatusBroadcast},
		KindTransactionHistory: &TransactionHistory{
			Limit:     20,
			MinHeight: 2_990_000,
		},
		KindHistoryResponse: &HistoryResponse{Transactions: []HistoryEntry{
			{TxHash: "ab12", Height: 3_000_100, Timestamp: 1_700_000_000, Amount: 1_500_000_000_000, Fee: 120_000_000, Direction: "out", Confirmations: 12, Counterparty: "49oHpeXzi9Kb"},
		}},
		KindExportOutputs:           &ExportOutputs{All: true},
		KindExportOutputsResponse:   &ExportOutputsResponse{OutputsHex: "4d6f6e65726f206f757470757420657870"},
		KindImportKeyImages:         &ImportKeyImages{BatchID: "batch-1", KeyImages: []SignedKeyImage{{KeyImage: "ee01", Signature: "ff02"}}, Offset: 4},
		KindImportKeyImagesResponse: &ImportKeyImagesResponse{Height: 3_001_200, Spent: 700_000_000_000, Unspent: 800_000_000_000},
		KindStatus:                  &Status{Event: StatusTxConfirmed, TxHash: "ab12", Amount: 1_500_000_000_000, Message: "confirmed at height 3001212"},
		KindError:                   &ErrorPayload{Code: string(CodeStaleBalance), Detail: "unapplied key image batch"},
	}

	for kind, body := range bodies {
		env, err := NewEnvelope(kind, "alice", "req-1", body)
		require.NoError(t, err, kind.String())

		raw, err := Encode(env)
		require.NoError(t, err, kind.String())

		decoded, err := Decode(raw)
		require.NoError(t, err, kind.String())
		require.Equal(t, env, decoded, kind.String())

		got, err := decoded.Body()
		require.NoError(t, err, kind.String())
		require.Equal(t, body, got, kind.String())
	}
}

func TestDecodeMalformed(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":     nil,
		"garbage":   {0xde, 0xad, 0xbe, 0xef},
		"truncated": {0xf8, 0x40, 0x01},
	} {
		_, err := Decode(raw)
		if err == nil {
			t.Fatalf("%s input should not decode", name)
		}
		perr, ok := AsError(err)
		if !ok {
			t.Fatalf("%s input should yield a taxonomy error, got %v", name, err)
		}
		if perr.Code != CodeMalformed {
			t.Fatalf("%s input should be malformed, got %s", name, perr.Code)
		}
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	env, err := NewEnvelope(KindBalanceRequest, "alice", "req-2", &BalanceRequest{})
	require.NoError(t, err)
	env.Kind = Kind(0x7f)
	raw, err := encodeUnchecked(env)
	require.NoError(t, err)

	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeVersionMismatch(t *testing.T) {
	env, err := NewEnvelope(KindBalanceRequest, "alice", "req-3", &BalanceRequest{})
	require.NoError(t, err)
	env.Version = Version + 1
	raw, err := encodeUnchecked(env)
	require.NoError(t, err)

	_, err = Decode(raw)
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestBodyKindMismatch(t *testing.T) {
	env, err := NewEnvelope(KindHistoryResponse, "alice", "req-4", &HistoryResponse{})
	require.NoError(t, err)
	// A payload whose schema does not match its kind tag must fail as
	// malformed rather than decode into the wrong shape.
	env.Kind = KindBalanceResponse
	_, err = env.Body()
	perr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, CodeMalformed, perr.Code)
	require.Equal(t, "req-4", perr.RequestID)
}

func TestErrorEnvelopeRoundTrip(t *testing.T) {
	src := NewError(CodeSignatureMismatch, "req-5", "tx key does not match issued artifact")
	env, err := ErrorEnvelope("alice", src)
	require.NoError(t, err)

	raw, err := Encode(env)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)

	got, err := decoded.PayloadError()
	require.NoError(t, err)
	require.Equal(t, src, got)
}

func TestResponseKindPairing(t *testing.T) {
	pairs := map[Kind]Kind{
		KindProvisionWallet:    KindProvisionAck,
		KindBalanceRequest:     KindBalanceResponse,
		KindCreateTransaction:  KindUnsignedTransaction,
		KindSignedTransaction:  KindTransactionResult,
		KindTransactionHistory: KindHistoryResponse,
		KindExportOutputs:      KindExportOutputsResponse,
		KindImportKeyImages:    KindImportKeyImagesResponse,
	}
	for req, resp := range pairs {
		if !req.Request() {
			t.Fatalf("%s should be a request kind", req)
		}
		if got := req.ResponseKind(); got != resp {
			t.Fatalf("%s should pair with %s, got %s", req, resp, got)
		}
	}
	if KindStatus.Request() {
		t.Fatalf("status push is not a request")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(NewError(CodeTimeout, "r", "")) != CodeTimeout {
		t.Fatalf("taxonomy code should pass through")
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatalf("non-taxonomy errors map to internal")
	}
}

// encodeUnchecked bypasses the catalog check so tests can build wire
// records a conforming sender would never emit.
func encodeUnchecked(env *Envelope) ([]byte, error) {
	return rlp.EncodeToBytes(env)
}
