package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"meshpay/protocol"
	"meshpay/storage"
	"meshpay/wallet"
)

// EngineProvider yields the wallet-engine handle bound to one
// operator's view wallet. Implementations backed by a single wallet-rpc
// daemon serialize wallet switching internally; tests hand out
// independent fakes so operators run fully in parallel.
type EngineProvider interface {
	EngineFor(operator, walletName string) (wallet.Engine, error)
}

// EngineProviderFunc adapts a function to the EngineProvider interface.
type EngineProviderFunc func(operator, walletName string) (wallet.Engine, error)

func (f EngineProviderFunc) EngineFor(operator, walletName string) (wallet.Engine, error) {
	return f(operator, walletName)
}

// sessionTaskBacklog bounds the per-operator queue. A full queue means
// the operator's wallet is wedged; further requests are refused rather
// than buffered without bound.
const sessionTaskBacklog = 64

// sessionRecord is the persisted slice of a session.
type sessionRecord struct {
	Operator      string
	WalletName    string
	Address       string
	Fingerprint   string
	RestoreHeight uint64
	CreatedAt     uint64
}

var sessionKeyPrefix = []byte("session/")

func sessionKey(operator string) []byte {
	return []byte("session/" + operator)
}

// OperatorSession is the relay-side state for one operator: the wallet
// handle, the serialized worker, and the cached balance with its
// staleness bookkeeping. Sessions are created only by explicit
// provisioning and never implicitly destroyed.
type OperatorSession struct {
	record sessionRecord
	engine wallet.Engine

	tasks  chan func()
	cancel context.CancelFunc

	mu          sync.Mutex
	destination string // last known transport address, for status pushes
	balance     *protocol.BalanceResponse
	balanceAt   time.Time
}

// Operator returns the operator identifier.
func (s *OperatorSession) Operator() string { return s.record.Operator }

// Engine returns the wallet handle bound to this session. Callers must
// only touch it from inside Do.
func (s *OperatorSession) Engine() wallet.Engine { return s.engine }

// Do runs fn on the session worker, serializing it against every other
// wallet-affecting operation for this operator. It returns immediately
// with an error when the worker's backlog is full or the session is
// shutting down.
func (s *OperatorSession) Do(fn func()) error {
	select {
	case s.tasks <- fn:
		return nil
	default:
		return protocol.NewError(protocol.CodeInternal, "", "operator worker backlog full")
	}
}

func (s *OperatorSession) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.tasks:
			fn()
		}
	}
}

// RememberDestination records where the operator was last heard from.
func (s *OperatorSession) RememberDestination(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr != "" {
		s.destination = addr
	}
}

// Destination returns the last known transport address.
func (s *OperatorSession) Destination() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destination
}

// CachedBalance returns the cached balance when it is younger than ttl.
func (s *OperatorSession) CachedBalance(ttl time.Duration, now time.Time) (*protocol.BalanceResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance == nil || now.Sub(s.balanceAt) >= ttl {
		return nil, false
	}
	return s.balance, true
}

// StoreBalance caches a fresh balance snapshot.
func (s *OperatorSession) StoreBalance(resp *protocol.BalanceResponse, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = resp
	s.balanceAt = now
}

// InvalidateBalance drops the cached balance, forcing the next query to
// hit the wallet engine.
func (s *OperatorSession) InvalidateBalance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = nil
}

// SessionRegistry owns every operator session. Provisioning is explicit
// and idempotent: an unchanged view credential is a no-op, a changed
// one replaces the session and triggers a fresh scan from the supplied
// restore checkpoint.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*OperatorSession

	provider EngineProvider
	store    storage.Database
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSessionRegistry builds a registry and restores persisted sessions.
func NewSessionRegistry(provider EngineProvider, store storage.Database, logger *slog.Logger) (*SessionRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &SessionRegistry{
		sessions: make(map[string]*OperatorSession),
		provider: provider,
		store:    store,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	var restoreErr error
	err := store.IteratePrefix(sessionKeyPrefix, func(key, value []byte) bool {
		record := new(sessionRecord)
		if err := rlp.DecodeBytes(value, record); err != nil {
			logger.Warn("skipping undecodable session record", slog.String("key", string(key)))
			return true
		}
		if _, err := r.startSession(*record); err != nil {
			restoreErr = err
			return false
		}
		return true
	})
	if err == nil {
		err = restoreErr
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("restore sessions: %w", err)
	}
	return r, nil
}

// Lookup resolves an operator to its session.
func (r *SessionRegistry) Lookup(operator string) (*OperatorSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[operator]
	return s, ok
}

// Operators lists provisioned operator identifiers.
func (r *SessionRegistry) Operators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.sessions))
	for op := range r.sessions {
		ops = append(ops, op)
	}
	return ops
}

// ProvisionResult describes the outcome of a provisioning request.
type ProvisionResult struct {
	Session  *OperatorSession
	Status   string
	Fresh    bool // a new view wallet was created
	Replaced bool
}

// Provision binds a view credential to an operator. The fingerprint of
// the credential decides idempotency: unchanged means no-op, changed
// means replace and rescan.
func (r *SessionRegistry) Provision(ctx context.Context, operator string, msg *protocol.ProvisionWallet) (*ProvisionResult, error) {
	fingerprint := credentialFingerprint(msg.ViewKey, msg.WalletAddress)

	r.mu.Lock()
	existing, ok := r.sessions[operator]
	if ok && existing.record.Fingerprint == fingerprint {
		r.mu.Unlock()
		return &ProvisionResult{Session: existing, Status: "already provisioned"}, nil
	}
	replaced := false
	if ok {
		// Changed credential: retire the old worker before replacing.
		existing.cancel()
		delete(r.sessions, operator)
		replaced = true
	}
	r.mu.Unlock()

	walletName := msg.WalletName
	if walletName == "" {
		walletName = fmt.Sprintf("viewonly_%s_%s", operator, fingerprint[:8])
	}
	engine, err := r.provider.EngineFor(operator, walletName)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "", "wallet engine unavailable: %v", err)
	}
	if err := engine.CreateViewWallet(ctx, walletName, msg.WalletAddress, msg.ViewKey, msg.RestoreHeight); err != nil {
		return nil, protocol.Errorf(protocol.CodeConstructionError, "", "provision view wallet: %v", err)
	}

	record := sessionRecord{
		Operator:      operator,
		WalletName:    walletName,
		Address:       msg.WalletAddress,
		Fingerprint:   fingerprint,
		RestoreHeight: msg.RestoreHeight,
		CreatedAt:     uint64(time.Now().UnixMilli()),
	}
	session, err := r.startSession(record)
	if err != nil {
		return nil, err
	}
	if err := r.persist(record); err != nil {
		r.logger.Warn("persist session failed", slog.String("operator", operator), slog.Any("error", err))
	}

	status := fmt.Sprintf("view wallet %s created, scanning from height %d", walletName, msg.RestoreHeight)
	return &ProvisionResult{Session: session, Status: status, Fresh: true, Replaced: replaced}, nil
}

// startSession wires a worker for the record and registers it.
func (r *SessionRegistry) startSession(record sessionRecord) (*OperatorSession, error) {
	engine, err := r.provider.EngineFor(record.Operator, record.WalletName)
	if err != nil {
		return nil, fmt.Errorf("engine for %s: %w", record.Operator, err)
	}
	ctx, cancel := context.WithCancel(r.ctx)
	session := &OperatorSession{
		record: record,
		engine: engine,
		tasks:  make(chan func(), sessionTaskBacklog),
		cancel: cancel,
	}
	go session.run(ctx)

	r.mu.Lock()
	r.sessions[record.Operator] = session
	r.mu.Unlock()
	return session, nil
}

// Close stops every session worker.
func (r *SessionRegistry) Close() {
	r.cancel()
}

func (r *SessionRegistry) persist(record sessionRecord) error {
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return err
	}
	return r.store.Put(sessionKey(record.Operator), encoded)
}

// credentialFingerprint hashes the view credential so equality checks
// and wallet names never handle the raw key material.
func credentialFingerprint(viewKey, address string) string {
	sum := sha256.Sum256([]byte(viewKey + "\x00" + address))
	return hex.EncodeToString(sum[:])
}
