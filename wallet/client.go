package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"meshpay/protocol"
)

// Client speaks JSON-RPC 2.0 to a wallet-rpc daemon. One client serves
// one daemon; the relay opens wallets on it per operator and serializes
// access above this layer.
type Client struct {
	url  string
	http *http.Client
}

// NewClient builds a client for the wallet-rpc endpoint. Wallet
// refreshes against a cold chain can take a long time, hence the
// generous call timeout.
func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("wallet-rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("wallet-rpc %s: decode response: %w", method, err)
	}
	if decoded.Error != nil {
		return &EngineError{Method: method, Code: decoded.Error.Code, Message: decoded.Error.Message}
	}
	if result != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, result); err != nil {
			return fmt.Errorf("wallet-rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

// EngineError is a wallet-rpc level failure before taxonomy mapping.
type EngineError struct {
	Method  string
	Code    int
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("wallet-rpc %s: %s (code %d)", e.Method, e.Message, e.Code)
}

func (c *Client) CreateViewWallet(ctx context.Context, name, address, viewKey string, restoreHeight uint64) error {
	params := map[string]any{
		"filename":         name,
		"address":          address,
		"viewkey":          viewKey,
		"password":         "",
		"restore_height":   restoreHeight,
		"autosave_current": true,
	}
	return c.call(ctx, "generate_from_keys", params, nil)
}

func (c *Client) OpenWallet(ctx context.Context, name string) error {
	return c.call(ctx, "open_wallet", map[string]any{"filename": name, "password": ""}, nil)
}

func (c *Client) Refresh(ctx context.Context) error {
	return c.call(ctx, "refresh", nil, nil)
}

func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var result struct {
		Balance        uint64 `json:"balance"`
		Unlocked       uint64 `json:"unlocked_balance"`
		BlocksToUnlock uint64 `json:"blocks_to_unlock"`
	}
	if err := c.call(ctx, "get_balance", nil, &result); err != nil {
		return Balance{}, err
	}
	return Balance{Total: result.Balance, Unlocked: result.Unlocked, BlocksToUnlock: result.BlocksToUnlock}, nil
}

func (c *Client) Height(ctx context.Context) (uint64, error) {
	var result struct {
		Height uint64 `json:"height"`
	}
	if err := c.call(ctx, "get_height", nil, &result); err != nil {
		return 0, err
	}
	return result.Height, nil
}

func (c *Client) CreateUnsigned(ctx context.Context, destination string, amount uint64, priority uint8) (Unsigned, error) {
	params := map[string]any{
		"destinations":    []map[string]any{{"amount": amount, "address": destination}},
		"priority":        priority,
		"do_not_relay":    true,
		"get_tx_metadata": true,
	}
	var result struct {
		UnsignedTxSet string `json:"unsigned_txset"`
		TxMetadata    string `json:"tx_metadata"`
		TxKey         string `json:"tx_key"`
		Fee           uint64 `json:"fee"`
		Amount        uint64 `json:"amount"`
		Change        uint64 `json:"change_amount"`
	}
	if err := c.call(ctx, "transfer", params, &result); err != nil {
		return Unsigned{}, mapConstructionError(err)
	}
	txSet := result.UnsignedTxSet
	if txSet == "" {
		// Some wallet-rpc builds only return tx_metadata when relaying
		// is disabled.
		txSet = result.TxMetadata
	}
	return Unsigned{
		TxSet:  txSet,
		TxKey:  result.TxKey,
		Fee:    result.Fee,
		Amount: result.Amount,
		Change: result.Change,
	}, nil
}

func (c *Client) SubmitSigned(ctx context.Context, signedTxSet string) (string, error) {
	var result struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	err := c.call(ctx, "submit_transfer", map[string]any{"tx_data_hex": signedTxSet}, &result)
	if err == nil {
		if len(result.TxHashList) == 0 {
			return "", protocol.NewError(protocol.CodeBroadcastRejected, "", "wallet accepted the artifact but returned no hash")
		}
		return result.TxHashList[0], nil
	}

	// Artifacts created with relaying disabled sometimes only go
	// through relay_tx.
	var relayResult struct {
		TxHash string `json:"tx_hash"`
	}
	if rerr := c.call(ctx, "relay_tx", map[string]any{"hex": signedTxSet}, &relayResult); rerr == nil {
		return relayResult.TxHash, nil
	}
	return "", mapBroadcastError(err)
}

func (c *Client) ExportOutputs(ctx context.Context, all bool) (string, error) {
	var result struct {
		OutputsDataHex string `json:"outputs_data_hex"`
	}
	if err := c.call(ctx, "export_outputs", map[string]any{"all": all}, &result); err != nil {
		return "", err
	}
	return result.OutputsDataHex, nil
}

func (c *Client) ImportKeyImages(ctx context.Context, images []SignedKeyImage, offset uint64) (ImportResult, error) {
	signed := make([]map[string]string, 0, len(images))
	for _, img := range images {
		signed = append(signed, map[string]string{
			"key_image": img.KeyImage,
			"signature": img.Signature,
		})
	}
	params := map[string]any{"signed_key_images": signed, "offset": offset}
	var result struct {
		Height  uint64 `json:"height"`
		Spent   uint64 `json:"spent"`
		Unspent uint64 `json:"unspent"`
	}
	if err := c.call(ctx, "import_key_images", params, &result); err != nil {
		return ImportResult{}, err
	}
	return ImportResult{Height: result.Height, Spent: result.Spent, Unspent: result.Unspent}, nil
}

type rpcTransfer struct {
	TxID          string `json:"txid"`
	Height        uint64 `json:"height"`
	Timestamp     uint64 `json:"timestamp"`
	Amount        uint64 `json:"amount"`
	Fee           uint64 `json:"fee"`
	Type          string `json:"type"`
	Confirmations uint64 `json:"confirmations"`
	Address       string `json:"address"`
}

func (c *Client) Transfers(ctx context.Context, minHeight uint64, limit int) ([]Transfer, error) {
	params := map[string]any{
		"in":               true,
		"out":              true,
		"pending":          true,
		"filter_by_height": minHeight > 0,
		"min_height":       minHeight,
	}
	var result struct {
		In      []rpcTransfer `json:"in"`
		Out     []rpcTransfer `json:"out"`
		Pending []rpcTransfer `json:"pending"`
	}
	if err := c.call(ctx, "get_transfers", params, &result); err != nil {
		return nil, err
	}

	transfers := make([]Transfer, 0, len(result.In)+len(result.Out)+len(result.Pending))
	appendAll := func(entries []rpcTransfer, direction string) {
		for _, e := range entries {
			transfers = append(transfers, Transfer{
				TxID:          e.TxID,
				Height:        e.Height,
				Timestamp:     e.Timestamp,
				Amount:        e.Amount,
				Fee:           e.Fee,
				Direction:     direction,
				Confirmations: e.Confirmations,
				Address:       e.Address,
			})
		}
	}
	appendAll(result.In, "in")
	appendAll(result.Out, "out")
	appendAll(result.Pending, "out")

	// Newest first; the caller truncates to its limit.
	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].Height != transfers[j].Height {
			return transfers[i].Height > transfers[j].Height
		}
		return transfers[i].Timestamp > transfers[j].Timestamp
	})
	if limit > 0 && len(transfers) > limit {
		transfers = transfers[:limit]
	}
	return transfers, nil
}

func (c *Client) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	var result struct {
		Transfer struct {
			Confirmations uint64 `json:"confirmations"`
		} `json:"transfer"`
	}
	if err := c.call(ctx, "get_transfer_by_txid", map[string]any{"txid": txHash}, &result); err != nil {
		return 0, err
	}
	return result.Transfer.Confirmations, nil
}

// mapConstructionError classifies a transfer failure.
func mapConstructionError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not enough money") ||
		strings.Contains(msg, "not enough unlocked money") ||
		strings.Contains(msg, "insufficient") {
		return protocol.NewError(protocol.CodeInsufficientFunds, "", err.Error())
	}
	return protocol.NewError(protocol.CodeConstructionError, "", err.Error())
}

// mapBroadcastError classifies a submission failure. Broadcast
// rejections are surfaced verbatim and never auto-retried.
func mapBroadcastError(err error) error {
	return protocol.NewError(protocol.CodeBroadcastRejected, "", err.Error())
}

var _ Engine = (*Client)(nil)
