// Package relay implements the online half of the cold-signing
// lifecycle: it terminates the reliability layer, owns operator
// sessions and transaction intents, talks to the wallet engine, and
// answers every request exactly once no matter how often the mesh
// re-delivers it.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshpay/protocol"
	"meshpay/reliability"
	"meshpay/storage"
)

const (
	// requestTimeout bounds one wallet-engine round trip. It is far
	// shorter than the client's retry budget so a wedged engine surfaces
	// as an error reply instead of client-side silence.
	requestTimeout = 90 * time.Second

	confirmInterval = 30 * time.Second
	expireInterval  = time.Minute
)

// Options tunes the relay's timers.
type Options struct {
	// IntentTTL bounds how long an unsigned artifact stays signable.
	IntentTTL time.Duration
	// BalanceTTL bounds how long a cached balance answers queries.
	BalanceTTL time.Duration
}

// Relay is the online node of the system. One Relay serves many
// operators; all state that must survive a restart lives in the store.
type Relay struct {
	link     *reliability.Link
	sessions *SessionRegistry
	intents  *IntentBook
	recon    *Reconciler
	cache    *responseCache
	metrics  *relayMetrics
	logger   *slog.Logger

	balanceTTL time.Duration

	// inflight maps a response-cache key to the sources waiting on the
	// execution that claimed it. Duplicates of an in-flight request
	// coalesce here instead of being enqueued a second time.
	inflightMu sync.Mutex
	inflight   map[string][]string
}

// New assembles a relay on top of a reliability link and a wallet
// engine provider. The relay takes over the link's inbound handler.
func New(link *reliability.Link, provider EngineProvider, store storage.Database, opts Options, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = 15 * time.Minute
	}
	if opts.BalanceTTL <= 0 {
		opts.BalanceTTL = time.Minute
	}
	metrics := newRelayMetrics()

	sessions, err := NewSessionRegistry(provider, store, logger)
	if err != nil {
		return nil, err
	}
	intents, err := NewIntentBook(store, opts.IntentTTL, metrics)
	if err != nil {
		return nil, err
	}
	recon, err := NewReconciler(store)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		link:       link,
		sessions:   sessions,
		intents:    intents,
		recon:      recon,
		cache:      newResponseCache(store),
		metrics:    metrics,
		logger:     logger,
		balanceTTL: opts.BalanceTTL,
		inflight:   make(map[string][]string),
	}
	link.SetHandler(r.handleInbound)
	link.SetExpiredFunc(func(dropped int) {
		metrics.buffersExpired.Add(float64(dropped))
	})
	return r, nil
}

// Run drives the relay's background loops until ctx is cancelled: the
// link's reassembly sweep, intent expiry, and chain confirmation polls.
func (r *Relay) Run(ctx context.Context) {
	go r.link.Run(ctx)

	expire := time.NewTicker(expireInterval)
	confirm := time.NewTicker(confirmInterval)
	defer expire.Stop()
	defer confirm.Stop()

	for {
		select {
		case <-ctx.Done():
			r.sessions.Close()
			return
		case now := <-expire.C:
			r.expireSweep(now)
		case <-confirm.C:
			r.confirmSweep(ctx)
		}
	}
}

// expireSweep retires intents that outlived the signing window.
func (r *Relay) expireSweep(now time.Time) {
	for _, intent := range r.intents.ExpireStale(now) {
		r.logger.Info("intent expired before signing",
			slog.String("operator", intent.Operator),
			slog.String("request_id", intent.RequestID))
	}
}

// confirmSweep asks the wallet engine whether submitted transactions
// have been buried and notifies the operator when they have.
func (r *Relay) confirmSweep(ctx context.Context) {
	for _, intent := range r.intents.Submitted() {
		intent := intent
		session, ok := r.sessions.Lookup(intent.Operator)
		if !ok {
			continue
		}
		err := session.Do(func() {
			callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()
			confirmations, err := session.Engine().Confirmations(callCtx, intent.TxHash)
			if err != nil || confirmations == 0 {
				return
			}
			if err := r.intents.Advance(intent, IntentConfirmed, nil); err != nil {
				return
			}
			r.PushStatus(intent.Operator, &protocol.Status{
				Event:  protocol.StatusTxConfirmed,
				TxHash: intent.TxHash,
				Amount: intent.Amount,
			})
		})
		if err != nil {
			r.logger.Warn("confirmation poll skipped, worker busy",
				slog.String("operator", intent.Operator))
		}
	}
}

// PushStatus sends an unsolicited status message to the operator's last
// known address. Pushes are best effort: no retry, no acknowledgement,
// and silently skipped when the operator has never been heard from.
func (r *Relay) PushStatus(operator string, status *protocol.Status) {
	session, ok := r.sessions.Lookup(operator)
	if !ok {
		return
	}
	destination := session.Destination()
	if destination == "" {
		return
	}
	env, err := protocol.NewEnvelope(protocol.KindStatus, operator, uuid.NewString(), status)
	if err != nil {
		return
	}
	if err := r.link.SendEnvelope(destination, env); err != nil {
		r.logger.Debug("status push failed",
			slog.String("operator", operator),
			slog.String("event", status.Event))
		return
	}
	r.metrics.statusPushes.Inc()
}

// Stats is the relay snapshot served by the ops endpoint.
type Stats struct {
	Operators []string       `json:"operators"`
	Intents   map[string]int `json:"intents"`
}

// Stats reports the current operator and intent population.
func (r *Relay) Stats() Stats {
	return Stats{
		Operators: r.sessions.Operators(),
		Intents:   r.intents.CountByState(),
	}
}
