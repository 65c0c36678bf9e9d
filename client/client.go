// Package client is the field-device side of the protocol: it issues
// requests over the reliability layer, carries unsigned artifacts to
// the cold signer and signed artifacts back, and surfaces relay status
// pushes. It holds no key material; signing happens on an offline
// device this package never talks to directly.
package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"meshpay/protocol"
	"meshpay/reliability"
)

// Client drives one operator's requests against a relay.
type Client struct {
	courier  *reliability.Courier
	relay    string
	operator string
	logger   *slog.Logger
}

// New builds a client for the given operator. The courier takes over
// the link's inbound handler.
func New(link *reliability.Link, relayAddr, operator string, policy reliability.BackoffPolicy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		courier:  reliability.NewCourier(link, policy, logger),
		relay:    relayAddr,
		operator: operator,
		logger:   logger,
	}
}

// OnStatus installs a handler for unsolicited relay status pushes.
func (c *Client) OnStatus(fn func(*protocol.Status)) {
	c.courier.SetStatusFunc(func(env *protocol.Envelope) {
		body, err := env.Body()
		if err != nil {
			c.logger.Debug("dropping undecodable status push", slog.Any("error", err))
			return
		}
		fn(body.(*protocol.Status))
	})
}

// roundTrip sends one request and decodes the paired response body.
func (c *Client) roundTrip(ctx context.Context, kind protocol.Kind, requestID string, body any) (any, error) {
	env, err := protocol.NewEnvelope(kind, c.operator, requestID, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.courier.Request(ctx, c.relay, env)
	if err != nil {
		return nil, err
	}
	if resp.Kind != kind.ResponseKind() {
		return nil, fmt.Errorf("unexpected %s reply to %s request", resp.Kind, kind)
	}
	return resp.Body()
}

// Provision binds this operator's view credential on the relay.
// Re-sending an unchanged credential is a no-op on the relay side.
func (c *Client) Provision(ctx context.Context, viewKey, walletAddress, walletName string, restoreHeight uint64) (*protocol.ProvisionAck, error) {
	body, err := c.roundTrip(ctx, protocol.KindProvisionWallet, uuid.NewString(), &protocol.ProvisionWallet{
		ViewKey:       viewKey,
		WalletAddress: walletAddress,
		WalletName:    walletName,
		RestoreHeight: restoreHeight,
	})
	if err != nil {
		return nil, err
	}
	return body.(*protocol.ProvisionAck), nil
}

// Balance queries the operator's balance. refresh asks the relay to
// rescan before answering instead of serving its cached snapshot.
func (c *Client) Balance(ctx context.Context, refresh bool) (*protocol.BalanceResponse, error) {
	body, err := c.roundTrip(ctx, protocol.KindBalanceRequest, uuid.NewString(), &protocol.BalanceRequest{Refresh: refresh})
	if err != nil {
		return nil, err
	}
	return body.(*protocol.BalanceResponse), nil
}

// CreateTransaction asks the relay for an unsigned artifact. The
// returned request identifier names the transaction for its whole
// lifecycle and must be echoed by SubmitSigned.
func (c *Client) CreateTransaction(ctx context.Context, destination string, amount uint64, priority uint8) (string, *protocol.UnsignedTransaction, error) {
	requestID := uuid.NewString()
	body, err := c.roundTrip(ctx, protocol.KindCreateTransaction, requestID, &protocol.CreateTransaction{
		Destination: destination,
		Amount:      amount,
		Priority:    priority,
	})
	if err != nil {
		return requestID, nil, err
	}
	return requestID, body.(*protocol.UnsignedTransaction), nil
}

// SubmitSigned sends the cold-signed artifact for broadcast under the
// request identifier of the construction that produced it. Safe to call
// again after a timeout: the relay broadcasts at most once per intent.
func (c *Client) SubmitSigned(ctx context.Context, requestID, signedTxSet, txKey string) (*protocol.TransactionResult, error) {
	body, err := c.roundTrip(ctx, protocol.KindSignedTransaction, requestID, &protocol.SignedTransaction{
		SignedTxSet: signedTxSet,
		TxKey:       txKey,
	})
	if err != nil {
		return nil, err
	}
	return body.(*protocol.TransactionResult), nil
}

// History fetches recent transfers, newest first.
func (c *Client) History(ctx context.Context, limit uint32, minHeight uint64) (*protocol.HistoryResponse, error) {
	body, err := c.roundTrip(ctx, protocol.KindTransactionHistory, uuid.NewString(), &protocol.TransactionHistory{
		Limit:     limit,
		MinHeight: minHeight,
	})
	if err != nil {
		return nil, err
	}
	return body.(*protocol.HistoryResponse), nil
}

// ExportOutputs fetches the view wallet's outputs blob for the cold
// signer. The response is large and always fragmented on real links.
func (c *Client) ExportOutputs(ctx context.Context, all bool) (*protocol.ExportOutputsResponse, error) {
	body, err := c.roundTrip(ctx, protocol.KindExportOutputs, uuid.NewString(), &protocol.ExportOutputs{All: all})
	if err != nil {
		return nil, err
	}
	return body.(*protocol.ExportOutputsResponse), nil
}

// ImportKeyImages pushes the cold signer's spend proofs to the relay.
// batchID should be stable across retries of the same export; when
// empty the relay falls back to the request identifier.
func (c *Client) ImportKeyImages(ctx context.Context, batchID string, images []protocol.SignedKeyImage, offset uint64) (*protocol.ImportKeyImagesResponse, error) {
	body, err := c.roundTrip(ctx, protocol.KindImportKeyImages, uuid.NewString(), &protocol.ImportKeyImages{
		BatchID:   batchID,
		KeyImages: images,
		Offset:    offset,
	})
	if err != nil {
		return nil, err
	}
	return body.(*protocol.ImportKeyImagesResponse), nil
}
