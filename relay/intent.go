package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"meshpay/protocol"
	"meshpay/storage"
)

// IntentState is one stop in the cold-signing lifecycle. States only
// ever advance; Failed and Expired are reachable from any non-terminal
// state.
type IntentState uint8

const (
	IntentRequested IntentState = iota + 1
	IntentUnsignedReady
	IntentSigned
	IntentSubmitted
	IntentConfirmed
	IntentFailed
	IntentExpired
)

var intentStateNames = map[IntentState]string{
	IntentRequested:     "requested",
	IntentUnsignedReady: "unsigned_ready",
	IntentSigned:        "signed",
	IntentSubmitted:     "submitted",
	IntentConfirmed:     "confirmed",
	IntentFailed:        "failed",
	IntentExpired:       "expired",
}

func (s IntentState) String() string {
	if name, ok := intentStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s IntentState) Terminal() bool {
	return s == IntentConfirmed || s == IntentFailed || s == IntentExpired
}

// Intent tracks one transaction from creation to its terminal state.
// TxKey is the identity of the unsigned artifact; a signed artifact is
// accepted only when it echoes the same key. Timestamps are unix
// milliseconds so the record stays RLP-encodable.
type Intent struct {
	Operator    string
	RequestID   string
	Destination string
	Amount      uint64
	Fee         uint64
	State       IntentState

	UnsignedTxSet string
	TxKey         string
	SignedTxSet   string
	TxHash        string

	// FailCode is the taxonomy code the intent failed with, empty for
	// intents that never failed. Replayed submissions echo it so the
	// caller sees the original failure, not a generic rejection.
	FailCode  string
	Reason    string
	CreatedAt uint64
	UpdatedAt uint64
}

// advance moves the intent forward. Lateral and backward moves are
// programming errors and are rejected.
func (i *Intent) advance(to IntentState, now time.Time) error {
	if i.State.Terminal() {
		return fmt.Errorf("intent %s is terminal in state %s", i.RequestID, i.State)
	}
	switch to {
	case IntentFailed, IntentExpired:
		// Reachable from any non-terminal state.
	case IntentConfirmed:
		if i.State != IntentSubmitted {
			return fmt.Errorf("intent %s cannot confirm from %s", i.RequestID, i.State)
		}
	default:
		if to != i.State+1 {
			return fmt.Errorf("intent %s cannot move %s -> %s", i.RequestID, i.State, to)
		}
	}
	i.State = to
	i.UpdatedAt = uint64(now.UnixMilli())
	if to == IntentExpired {
		// A stale unsigned artifact must not remain signable once the
		// outputs it references may have been consumed.
		i.UnsignedTxSet = ""
	}
	return nil
}

var intentKeyPrefix = []byte("intent/")

func intentKey(operator, requestID string) []byte {
	return []byte(fmt.Sprintf("intent/%s/%s", operator, requestID))
}

// IntentBook owns every transaction intent on the relay. At most one
// non-terminal intent exists per request identifier; terminal intents
// stay archived so late duplicate submissions resolve deterministically.
type IntentBook struct {
	mu      sync.Mutex
	intents map[string]*Intent // operator/requestID
	store   storage.Database
	metrics *relayMetrics
	ttl     time.Duration
}

// NewIntentBook loads archived intents from the store.
func NewIntentBook(store storage.Database, ttl time.Duration, metrics *relayMetrics) (*IntentBook, error) {
	book := &IntentBook{
		intents: make(map[string]*Intent),
		store:   store,
		metrics: metrics,
		ttl:     ttl,
	}
	err := store.IteratePrefix(intentKeyPrefix, func(key, value []byte) bool {
		intent := new(Intent)
		if err := rlp.DecodeBytes(value, intent); err != nil {
			return true // skip undecodable record
		}
		book.intents[intent.Operator+"/"+intent.RequestID] = intent
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("load intents: %w", err)
	}
	return book, nil
}

// Create registers a fresh intent in Requested state. A request
// identifier may never be reused for a different logical operation.
func (b *IntentBook) Create(operator, requestID, destination string, amount uint64, now time.Time) (*Intent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.intents[operator+"/"+requestID]; exists {
		return nil, protocol.Errorf(protocol.CodeConstructionError, requestID,
			"request id %s already bound to an intent", requestID)
	}
	intent := &Intent{
		Operator:    operator,
		RequestID:   requestID,
		Destination: destination,
		Amount:      amount,
		State:       IntentRequested,
		CreatedAt:   uint64(now.UnixMilli()),
		UpdatedAt:   uint64(now.UnixMilli()),
	}
	b.intents[operator+"/"+requestID] = intent
	b.persistLocked(intent)
	if b.metrics != nil {
		b.metrics.observeTransition(IntentRequested.String())
	}
	return intent, nil
}

// Get returns the intent bound to (operator, requestID), if any.
func (b *IntentBook) Get(operator, requestID string) (*Intent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	intent, ok := b.intents[operator+"/"+requestID]
	return intent, ok
}

// Snapshot copies the intent under the book lock. Handlers read the
// copy so a concurrent expiry sweep cannot tear the fields.
func (b *IntentBook) Snapshot(intent *Intent) Intent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *intent
}

// Advance transitions an intent and persists it. mutate, when non-nil,
// runs before the transition while the book lock is held so artifact
// fields update atomically with the state.
func (b *IntentBook) Advance(intent *Intent, to IntentState, mutate func(*Intent)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mutate != nil {
		mutate(intent)
	}
	if err := intent.advance(to, time.Now()); err != nil {
		return err
	}
	b.persistLocked(intent)
	if b.metrics != nil {
		b.metrics.observeTransition(to.String())
	}
	return nil
}

// Fail moves an intent to Failed recording the taxonomy code and
// reason of the original failure.
func (b *IntentBook) Fail(intent *Intent, code protocol.Code, reason string) error {
	return b.Advance(intent, IntentFailed, func(i *Intent) {
		i.FailCode = string(code)
		i.Reason = reason
	})
}

// ExpireStale moves intents resting in Requested or UnsignedReady past
// the TTL to Expired and returns them.
func (b *IntentBook) ExpireStale(now time.Time) []*Intent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var expired []*Intent
	for _, intent := range b.intents {
		if intent.State != IntentRequested && intent.State != IntentUnsignedReady {
			continue
		}
		age := now.Sub(time.UnixMilli(int64(intent.CreatedAt)))
		if age < b.ttl {
			continue
		}
		if err := intent.advance(IntentExpired, now); err != nil {
			continue
		}
		b.persistLocked(intent)
		if b.metrics != nil {
			b.metrics.observeTransition(IntentExpired.String())
		}
		expired = append(expired, intent)
	}
	return expired
}

// Submitted returns intents awaiting chain confirmation.
func (b *IntentBook) Submitted() []*Intent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Intent
	for _, intent := range b.intents {
		if intent.State == IntentSubmitted {
			out = append(out, intent)
		}
	}
	return out
}

// CountByState tallies intents per state for the ops endpoint.
func (b *IntentBook) CountByState() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[string]int)
	for _, intent := range b.intents {
		counts[intent.State.String()]++
	}
	return counts
}

func (b *IntentBook) persistLocked(intent *Intent) {
	encoded, err := rlp.EncodeToBytes(intent)
	if err != nil {
		return
	}
	_ = b.store.Put(intentKey(intent.Operator, intent.RequestID), encoded)
}
