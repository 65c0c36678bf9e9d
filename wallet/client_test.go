package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"meshpay/protocol"
)

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// newRPCServer serves canned JSON-RPC results keyed by method and
// records every call.
func newRPCServer(t *testing.T, results map[string]string, errors map[string]string) (*Client, *[]string) {
	t.Helper()
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		calls = append(calls, call.Method)
		if msg, ok := errors[call.Method]; ok {
			w.Write([]byte(`{"jsonrpc":"2.0","id":"0","error":{"code":-4,"message":"` + msg + `"}}`))
			return
		}
		result, ok := results[call.Method]
		if !ok {
			result = "{}"
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":"0","result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL), &calls
}

func TestClientBalance(t *testing.T) {
	client, _ := newRPCServer(t, map[string]string{
		"get_balance": `{"balance":1500000000000,"unlocked_balance":1200000000000,"blocks_to_unlock":3}`,
	}, nil)

	bal, err := client.Balance(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1_500_000_000_000), bal.Total)
	require.Equal(t, uint64(1_200_000_000_000), bal.Unlocked)
	require.Equal(t, uint64(3), bal.BlocksToUnlock)
}

func TestClientCreateUnsigned(t *testing.T) {
	client, calls := newRPCServer(t, map[string]string{
		"transfer": `{"unsigned_txset":"cafe","tx_key":"c3b1","fee":120000000,"amount":1500000000000,"change_amount":7}`,
	}, nil)

	unsigned, err := client.CreateUnsigned(context.Background(), "49oHpeXzi9Kb", 1_500_000_000_000, 1)
	require.NoError(t, err)
	require.Equal(t, "cafe", unsigned.TxSet)
	require.Equal(t, "c3b1", unsigned.TxKey)
	require.Equal(t, uint64(120_000_000), unsigned.Fee)
	require.Equal(t, []string{"transfer"}, *calls)
}

func TestClientCreateUnsignedMetadataFallback(t *testing.T) {
	client, _ := newRPCServer(t, map[string]string{
		"transfer": `{"tx_metadata":"feed","tx_key":"c3b1","fee":1}`,
	}, nil)

	unsigned, err := client.CreateUnsigned(context.Background(), "dest", 10, 1)
	require.NoError(t, err)
	require.Equal(t, "feed", unsigned.TxSet)
}

func TestClientInsufficientFunds(t *testing.T) {
	client, _ := newRPCServer(t, nil, map[string]string{
		"transfer": "not enough unlocked money",
	})

	_, err := client.CreateUnsigned(context.Background(), "dest", 1, 1)
	perr, ok := protocol.AsError(err)
	require.True(t, ok)
	require.Equal(t, protocol.CodeInsufficientFunds, perr.Code)
}

func TestClientConstructionError(t *testing.T) {
	client, _ := newRPCServer(t, nil, map[string]string{
		"transfer": "invalid destination address",
	})

	_, err := client.CreateUnsigned(context.Background(), "dest", 1, 1)
	require.Equal(t, protocol.CodeConstructionError, protocol.CodeOf(err))
}

func TestClientSubmitSigned(t *testing.T) {
	client, calls := newRPCServer(t, map[string]string{
		"submit_transfer": `{"tx_hash_list":["ab12"]}`,
	}, nil)

	hash, err := client.SubmitSigned(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.Equal(t, "ab12", hash)
	require.Equal(t, []string{"submit_transfer"}, *calls)
}

func TestClientSubmitSignedRelayFallback(t *testing.T) {
	client, calls := newRPCServer(t, map[string]string{
		"relay_tx": `{"tx_hash":"cd34"}`,
	}, map[string]string{
		"submit_transfer": "unexpected txset format",
	})

	hash, err := client.SubmitSigned(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.Equal(t, "cd34", hash)
	require.Equal(t, []string{"submit_transfer", "relay_tx"}, *calls)
}

func TestClientSubmitSignedRejected(t *testing.T) {
	client, _ := newRPCServer(t, nil, map[string]string{
		"submit_transfer": "double spend attempted",
		"relay_tx":        "double spend attempted",
	})

	_, err := client.SubmitSigned(context.Background(), "deadbeef")
	perr, ok := protocol.AsError(err)
	require.True(t, ok)
	require.Equal(t, protocol.CodeBroadcastRejected, perr.Code)
	require.Contains(t, perr.Detail, "double spend")
}

func TestClientTransfersMergedNewestFirst(t *testing.T) {
	client, _ := newRPCServer(t, map[string]string{
		"get_transfers": `{
			"in":[{"txid":"t1","height":100,"timestamp":10,"amount":5,"address":"a1"}],
			"out":[{"txid":"t2","height":300,"timestamp":30,"amount":7,"fee":1,"address":"a2"}],
			"pending":[{"txid":"t3","height":0,"timestamp":40,"amount":9,"address":"a3"}]
		}`,
	}, nil)

	transfers, err := client.Transfers(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	require.Equal(t, "t2", transfers[0].TxID)
	require.Equal(t, "out", transfers[0].Direction)
	require.Equal(t, "t1", transfers[1].TxID)
	require.Equal(t, "in", transfers[1].Direction)
}

func TestClientConfirmations(t *testing.T) {
	client, _ := newRPCServer(t, map[string]string{
		"get_transfer_by_txid": `{"transfer":{"confirmations":12}}`,
	}, nil)

	n, err := client.Confirmations(context.Background(), "ab12")
	require.NoError(t, err)
	require.Equal(t, uint64(12), n)
}
