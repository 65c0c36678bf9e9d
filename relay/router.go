package relay

import (
	"context"
	"log/slog"
	"time"

	"meshpay/protocol"
	"meshpay/wallet"
)

// handleInbound is the single entry point for reassembled payloads.
// The order of checks matters: garbled input is answered with a
// malformed error, unsolicited and unknown kinds are dropped, an
// already-answered request is served from the response cache, a
// duplicate of an in-flight request coalesces onto the pending
// execution, and only then are unknown operators refused and work
// dispatched. The wallet engine is touched at most once per
// (operator, request id, kind) no matter how often the mesh
// re-delivers.
func (r *Relay) handleInbound(source string, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		if perr, ok := protocol.AsError(err); ok {
			r.metrics.observeRequest("malformed", string(perr.Code))
			r.sendError(source, "", perr)
			return
		}
		// Unknown kind or version: peers running a newer catalog are
		// skipped, not punished.
		r.logger.Debug("skipping undecodable envelope",
			slog.String("source", source), slog.Any("error", err))
		return
	}
	if !env.Kind.Request() {
		r.logger.Debug("dropping non-request envelope",
			slog.String("kind", env.Kind.String()), slog.String("source", source))
		return
	}

	if cached, ok := r.cache.Get(env.Operator, env.RequestID, env.Kind); ok {
		if session, ok := r.sessions.Lookup(env.Operator); ok {
			session.RememberDestination(source)
		}
		r.metrics.replays.Inc()
		r.metrics.observeRequest(env.Kind.String(), "replay")
		if err := r.link.SendRaw(source, env.Operator, env.RequestID, cached); err != nil {
			r.logger.Warn("replay resend failed", slog.String("source", source))
		}
		return
	}

	if !r.claimInflight(env, source) {
		// The claimed execution answers every coalesced source when it
		// finishes.
		r.metrics.observeRequest(env.Kind.String(), "coalesced")
		return
	}

	// The reply may have settled between the cache miss above and the
	// claim. Executions cache before they release, so a hit here means
	// the request already ran: replay it, never run it again.
	if cached, ok := r.cache.Get(env.Operator, env.RequestID, env.Kind); ok {
		targets := r.releaseInflight(env)
		if len(targets) == 0 {
			targets = []string{source}
		}
		r.metrics.replays.Inc()
		r.metrics.observeRequest(env.Kind.String(), "replay")
		for _, dest := range targets {
			if err := r.link.SendRaw(dest, env.Operator, env.RequestID, cached); err != nil {
				r.logger.Warn("replay resend failed", slog.String("source", dest))
			}
		}
		return
	}

	if env.Kind == protocol.KindProvisionWallet {
		r.handleProvision(source, env)
		return
	}

	session, ok := r.sessions.Lookup(env.Operator)
	if !ok {
		r.respond(source, env, nil, protocol.Errorf(protocol.CodeUnauthorized, env.RequestID,
			"operator %s is not provisioned", env.Operator))
		return
	}
	session.RememberDestination(source)

	err = session.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		body, herr := r.dispatch(ctx, session, env)
		r.respond(source, env, body, herr)
	})
	if err != nil {
		r.respond(source, env, nil, err)
	}
}

// claimInflight registers an execution claim for the request. It
// returns false when another delivery already holds the claim, in
// which case source is recorded to receive the eventual reply.
func (r *Relay) claimInflight(env *protocol.Envelope, source string) bool {
	key := cacheKey(env.Operator, env.RequestID, env.Kind)
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	waiters, ok := r.inflight[key]
	if !ok {
		r.inflight[key] = []string{source}
		return true
	}
	for _, w := range waiters {
		if w == source {
			return false
		}
	}
	r.inflight[key] = append(waiters, source)
	return false
}

// releaseInflight retires the claim and returns every source awaiting
// the reply.
func (r *Relay) releaseInflight(env *protocol.Envelope) []string {
	key := cacheKey(env.Operator, env.RequestID, env.Kind)
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	waiters := r.inflight[key]
	delete(r.inflight, key)
	return waiters
}

// dispatch decodes the request body and routes it to its handler. It
// runs on the operator's session worker.
func (r *Relay) dispatch(ctx context.Context, session *OperatorSession, env *protocol.Envelope) (any, error) {
	body, err := env.Body()
	if err != nil {
		return nil, err
	}
	switch msg := body.(type) {
	case *protocol.BalanceRequest:
		return r.handleBalance(ctx, session, env, msg)
	case *protocol.CreateTransaction:
		return r.handleCreate(ctx, session, env, msg)
	case *protocol.SignedTransaction:
		return r.handleSigned(ctx, session, env, msg)
	case *protocol.TransactionHistory:
		return r.handleHistory(ctx, session, msg)
	case *protocol.ExportOutputs:
		return r.handleExportOutputs(ctx, session, msg)
	case *protocol.ImportKeyImages:
		return r.handleImportKeyImages(ctx, session, env, msg)
	default:
		return nil, protocol.Errorf(protocol.CodeInternal, env.RequestID,
			"no handler for %s", env.Kind)
	}
}

// respond encodes the handler outcome, records it in the response
// cache, and answers every source that delivered the request while it
// was in flight. Errors whose cause the operator can still fix under
// the same request id are not cached, so a corrected resend is
// processed instead of being answered with the stale refusal.
func (r *Relay) respond(source string, env *protocol.Envelope, body any, herr error) {
	var reply *protocol.Envelope
	var err error
	outcome := "ok"
	cacheable := true

	if herr != nil {
		perr := asTaxonomy(herr, env.RequestID)
		outcome = string(perr.Code)
		cacheable = cacheableCode(perr.Code)
		reply, err = protocol.ErrorEnvelope(env.Operator, perr)
	} else {
		reply, err = protocol.NewEnvelope(env.Kind.ResponseKind(), env.Operator, env.RequestID, body)
	}
	r.metrics.observeRequest(env.Kind.String(), outcome)
	if err != nil {
		r.logger.Error("encode reply failed",
			slog.String("kind", env.Kind.String()), slog.Any("error", err))
		r.releaseInflight(env)
		return
	}
	raw, err := protocol.Encode(reply)
	if err != nil {
		r.logger.Error("encode reply failed",
			slog.String("kind", env.Kind.String()), slog.Any("error", err))
		r.releaseInflight(env)
		return
	}
	if cacheable {
		// Put is first-write-wins; send whatever the cache settled on. The
		// cache is written before the claim is released so a re-delivery
		// always finds one or the other, never a gap it could execute in.
		raw = r.cache.Put(env.Operator, env.RequestID, env.Kind, raw)
	}
	targets := r.releaseInflight(env)
	if len(targets) == 0 {
		targets = []string{source}
	}
	for _, dest := range targets {
		if err := r.link.SendRaw(dest, env.Operator, env.RequestID, raw); err != nil {
			r.logger.Warn("reply send failed",
				slog.String("source", dest), slog.String("kind", env.Kind.String()))
		}
	}
}

func (r *Relay) sendError(source, operator string, perr *protocol.Error) {
	env, err := protocol.ErrorEnvelope(operator, perr)
	if err != nil {
		return
	}
	if err := r.link.SendEnvelope(source, env); err != nil {
		r.logger.Warn("error reply send failed", slog.String("source", source))
	}
}

// asTaxonomy stamps the request identifier onto an error, wrapping
// non-taxonomy errors as internal.
func asTaxonomy(err error, requestID string) *protocol.Error {
	if perr, ok := protocol.AsError(err); ok {
		if perr.RequestID == "" {
			perr = protocol.NewError(perr.Code, requestID, perr.Detail)
		}
		return perr
	}
	return protocol.Errorf(protocol.CodeInternal, requestID, "%v", err)
}

// cacheableCode reports whether an error reply is a settled outcome of
// the request. A signature mismatch, a stale balance or a missing
// provisioning can be cured by the operator without minting a new
// request id, so those replies must not stick.
func cacheableCode(code protocol.Code) bool {
	switch code {
	case protocol.CodeSignatureMismatch, protocol.CodeStaleBalance,
		protocol.CodeUnauthorized, protocol.CodeInternal:
		return false
	}
	return true
}

// handleProvision runs outside the session worker because the session
// may not exist yet. The registry itself serializes provisioning.
func (r *Relay) handleProvision(source string, env *protocol.Envelope) {
	body, err := env.Body()
	if err != nil {
		r.respond(source, env, nil, err)
		return
	}
	msg := body.(*protocol.ProvisionWallet)
	if msg.ViewKey == "" || msg.WalletAddress == "" {
		r.respond(source, env, nil, protocol.NewError(protocol.CodeMalformed, env.RequestID,
			"provision requires a view key and wallet address"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	result, err := r.sessions.Provision(ctx, env.Operator, msg)
	if err != nil {
		r.respond(source, env, nil, err)
		return
	}
	result.Session.RememberDestination(source)
	r.respond(source, env, &protocol.ProvisionAck{Success: true, Status: result.Status}, nil)

	if result.Fresh {
		// Scan in the background and tell the operator when the wallet
		// is usable.
		session := result.Session
		_ = session.Do(func() {
			scanCtx, cancelScan := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancelScan()
			if err := session.Engine().Refresh(scanCtx); err != nil {
				r.logger.Warn("initial wallet scan failed",
					slog.String("operator", env.Operator), slog.Any("error", err))
				return
			}
			r.PushStatus(env.Operator, &protocol.Status{
				Event:   protocol.StatusSyncComplete,
				Message: "wallet scan complete",
			})
		})
		r.PushStatus(env.Operator, &protocol.Status{
			Event:   protocol.StatusProvisionComplete,
			Message: result.Status,
		})
	}
}

func (r *Relay) handleBalance(ctx context.Context, session *OperatorSession, env *protocol.Envelope, msg *protocol.BalanceRequest) (any, error) {
	if ids := r.recon.Unapplied(session.Operator()); len(ids) > 0 {
		return nil, protocol.Errorf(protocol.CodeStaleBalance, env.RequestID,
			"%d key image batch(es) pending import", len(ids))
	}
	now := time.Now()
	if !msg.Refresh {
		if cached, ok := session.CachedBalance(r.balanceTTL, now); ok {
			return cached, nil
		}
	}
	engine := session.Engine()
	if msg.Refresh {
		if err := engine.Refresh(ctx); err != nil {
			// A balance from the last synced height is still correct,
			// just possibly behind.
			r.logger.Warn("wallet refresh failed",
				slog.String("operator", session.Operator()), slog.Any("error", err))
		}
	}
	balance, err := engine.Balance(ctx)
	if err != nil {
		return nil, err
	}
	height, err := engine.Height(ctx)
	if err != nil {
		return nil, err
	}
	resp := &protocol.BalanceResponse{
		Balance:        balance.Total,
		Unlocked:       balance.Unlocked,
		SyncHeight:     height,
		BlocksToUnlock: balance.BlocksToUnlock,
	}
	session.StoreBalance(resp, now)
	return resp, nil
}

func (r *Relay) handleCreate(ctx context.Context, session *OperatorSession, env *protocol.Envelope, msg *protocol.CreateTransaction) (any, error) {
	operator := session.Operator()
	if ids := r.recon.Unapplied(operator); len(ids) > 0 {
		return nil, protocol.Errorf(protocol.CodeStaleBalance, env.RequestID,
			"cannot construct against a stale view, %d key image batch(es) pending", len(ids))
	}
	if msg.Destination == "" || msg.Amount == 0 {
		return nil, protocol.NewError(protocol.CodeMalformed, env.RequestID,
			"transaction requires a destination and a non-zero amount")
	}

	intent, err := r.intents.Create(operator, env.RequestID, msg.Destination, msg.Amount, time.Now())
	if err != nil {
		return nil, err
	}
	unsigned, err := session.Engine().CreateUnsigned(ctx, msg.Destination, msg.Amount, msg.Priority)
	if err != nil {
		perr := asTaxonomy(err, env.RequestID)
		if ferr := r.intents.Fail(intent, perr.Code, perr.Detail); ferr != nil {
			r.logger.Error("intent fail transition rejected", slog.Any("error", ferr))
		}
		return nil, perr
	}
	err = r.intents.Advance(intent, IntentUnsignedReady, func(i *Intent) {
		i.UnsignedTxSet = unsigned.TxSet
		i.TxKey = unsigned.TxKey
		i.Fee = unsigned.Fee
	})
	if err != nil {
		return nil, err
	}
	return &protocol.UnsignedTransaction{
		UnsignedTxSet: unsigned.TxSet,
		TxKey:         unsigned.TxKey,
		Fee:           unsigned.Fee,
		Total:         unsigned.Amount,
		Change:        unsigned.Change,
	}, nil
}

// handleSigned resolves a cold-signed artifact against its intent. The
// request identifier ties the submission to the construction that
// produced the unsigned artifact; the transaction key proves the
// artifact is the one this relay issued.
func (r *Relay) handleSigned(ctx context.Context, session *OperatorSession, env *protocol.Envelope, msg *protocol.SignedTransaction) (any, error) {
	operator := session.Operator()
	intent, ok := r.intents.Get(operator, env.RequestID)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeSignatureMismatch, env.RequestID,
			"no transaction intent for request %s", env.RequestID)
	}
	snap := r.intents.Snapshot(intent)

	switch snap.State {
	case IntentSubmitted, IntentConfirmed:
		// Already broadcast: answer with the recorded result, never
		// resubmit.
		return &protocol.TransactionResult{
			TxHash: snap.TxHash,
			TxKey:  snap.TxKey,
			Fee:    snap.Fee,
			Status: broadcastStatus(snap.State),
		}, nil
	case IntentExpired:
		return nil, protocol.Errorf(protocol.CodeExpired, env.RequestID,
			"unsigned artifact expired before signing")
	case IntentFailed:
		code := protocol.Code(snap.FailCode)
		if code == "" {
			code = protocol.CodeBroadcastRejected
		}
		return nil, protocol.NewError(code, env.RequestID, snap.Reason)
	case IntentRequested:
		return nil, protocol.Errorf(protocol.CodeSignatureMismatch, env.RequestID,
			"no unsigned artifact was issued for request %s", env.RequestID)
	}

	if msg.TxKey != snap.TxKey {
		// The intent stays signable: the operator may retry with the
		// artifact this relay actually issued.
		return nil, protocol.Errorf(protocol.CodeSignatureMismatch, env.RequestID,
			"transaction key does not match the issued artifact")
	}
	if err := r.intents.Advance(intent, IntentSigned, func(i *Intent) {
		i.SignedTxSet = msg.SignedTxSet
	}); err != nil {
		return nil, err
	}

	txHash, err := session.Engine().SubmitSigned(ctx, msg.SignedTxSet)
	if err != nil {
		// A rejected broadcast is final for this intent. Retrying a
		// rejected artifact is the operator's explicit decision, under
		// a new request id.
		perr := asTaxonomy(err, env.RequestID)
		if ferr := r.intents.Fail(intent, perr.Code, perr.Detail); ferr != nil {
			r.logger.Error("intent fail transition rejected", slog.Any("error", ferr))
		}
		return nil, perr
	}

	if err := r.intents.Advance(intent, IntentSubmitted, func(i *Intent) {
		i.TxHash = txHash
	}); err != nil {
		return nil, err
	}
	// The view wallet just lost sight of the consumed outputs. Flag the
	// balance untrusted until the signing side pushes fresh key images.
	if err := r.recon.RecordSpend(operator, env.RequestID, time.Now()); err != nil {
		r.logger.Error("record spend failed",
			slog.String("operator", operator), slog.Any("error", err))
	}
	session.InvalidateBalance()

	return &protocol.TransactionResult{
		TxHash: txHash,
		TxKey:  snap.TxKey,
		Fee:    snap.Fee,
		Status: protocol.TxStatusBroadcast,
	}, nil
}

func broadcastStatus(state IntentState) string {
	if state == IntentConfirmed {
		return protocol.TxStatusConfirmed
	}
	return protocol.TxStatusBroadcast
}

func (r *Relay) handleHistory(ctx context.Context, session *OperatorSession, msg *protocol.TransactionHistory) (any, error) {
	limit := int(msg.Limit)
	if limit == 0 {
		limit = 25
	}
	transfers, err := session.Engine().Transfers(ctx, msg.MinHeight, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]protocol.HistoryEntry, 0, len(transfers))
	for _, t := range transfers {
		entries = append(entries, protocol.HistoryEntry{
			TxHash:        t.TxID,
			Height:        t.Height,
			Timestamp:     t.Timestamp,
			Amount:        t.Amount,
			Fee:           t.Fee,
			Direction:     t.Direction,
			Confirmations: t.Confirmations,
			Counterparty:  t.Address,
		})
	}
	return &protocol.HistoryResponse{Transactions: entries}, nil
}

func (r *Relay) handleExportOutputs(ctx context.Context, session *OperatorSession, msg *protocol.ExportOutputs) (any, error) {
	outputs, err := session.Engine().ExportOutputs(ctx, msg.All)
	if err != nil {
		return nil, err
	}
	return &protocol.ExportOutputsResponse{OutputsHex: outputs}, nil
}

func (r *Relay) handleImportKeyImages(ctx context.Context, session *OperatorSession, env *protocol.Envelope, msg *protocol.ImportKeyImages) (any, error) {
	if len(msg.KeyImages) == 0 {
		return nil, protocol.NewError(protocol.CodeMalformed, env.RequestID, "empty key image batch")
	}
	images := make([]wallet.SignedKeyImage, len(msg.KeyImages))
	for i, ki := range msg.KeyImages {
		images[i] = wallet.SignedKeyImage{KeyImage: ki.KeyImage, Signature: ki.Signature}
	}
	result, err := session.Engine().ImportKeyImages(ctx, images, msg.Offset)
	if err != nil {
		return nil, err
	}

	operator := session.Operator()
	batchID := msg.BatchID
	if batchID == "" {
		batchID = env.RequestID
	}
	if err := r.recon.MarkApplied(operator, batchID, time.Now()); err != nil {
		r.logger.Error("settle key image batch failed",
			slog.String("operator", operator), slog.Any("error", err))
	}
	// The view is trustworthy again; force the next balance query to
	// hit the engine.
	session.InvalidateBalance()

	return &protocol.ImportKeyImagesResponse{
		Height:  result.Height,
		Spent:   result.Spent,
		Unspent: result.Unspent,
	}, nil
}
