package transport

import (
	"fmt"
	"math/rand"
	"sync"
)

// LoopbackNetwork is an in-process mesh used by tests. Endpoints are
// addressed by name and deliveries can be configured to drop or
// duplicate, which is how the reliability layer's properties are
// exercised without a radio.
type LoopbackNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*LoopbackEndpoint
	dropEvery int // drop every Nth delivery when > 0
	dupEvery  int // duplicate every Nth delivery when > 0
	counter   int
	rng       *rand.Rand
}

// NewLoopbackNetwork creates an empty loopback mesh.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		endpoints: make(map[string]*LoopbackEndpoint),
		rng:       rand.New(rand.NewSource(42)),
	}
}

// DropEvery makes the mesh silently discard every nth delivery.
func (n *LoopbackNetwork) DropEvery(nth int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropEvery = nth
}

// DuplicateEvery makes the mesh deliver every nth payload twice.
func (n *LoopbackNetwork) DuplicateEvery(nth int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dupEvery = nth
}

// Endpoint registers a named endpoint on the mesh.
func (n *LoopbackNetwork) Endpoint(addr string) *LoopbackEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep := &LoopbackEndpoint{net: n, addr: addr}
	n.endpoints[addr] = ep
	return ep
}

func (n *LoopbackNetwork) deliver(from, to string, payload []byte) error {
	n.mu.Lock()
	dest, ok := n.endpoints[to]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("loopback: no endpoint %q", to)
	}
	n.counter++
	drop := n.dropEvery > 0 && n.counter%n.dropEvery == 0
	dup := n.dupEvery > 0 && n.counter%n.dupEvery == 0
	n.mu.Unlock()

	if drop {
		return nil
	}
	copies := 1
	if dup {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		dest.receive(from, payload)
	}
	return nil
}

// LoopbackEndpoint is one addressable endpoint on a LoopbackNetwork.
type LoopbackEndpoint struct {
	net  *LoopbackNetwork
	addr string

	mu     sync.Mutex
	fn     ReceiveFunc
	closed bool
}

func (e *LoopbackEndpoint) Send(destination string, payload []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("loopback: endpoint %q closed", e.addr)
	}
	e.mu.Unlock()
	buf := append([]byte(nil), payload...)
	return e.net.deliver(e.addr, destination, buf)
}

func (e *LoopbackEndpoint) SetReceiveFunc(fn ReceiveFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fn = fn
}

func (e *LoopbackEndpoint) LocalAddr() string { return e.addr }

func (e *LoopbackEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *LoopbackEndpoint) receive(source string, payload []byte) {
	e.mu.Lock()
	fn := e.fn
	closed := e.closed
	e.mu.Unlock()
	if fn == nil || closed {
		return
	}
	fn(source, append([]byte(nil), payload...))
}
