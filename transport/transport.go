// Package transport defines the narrow contract this system consumes
// from the encrypted mesh network: destination-addressed delivery of
// opaque byte payloads, at least once, with no ordering or size
// guarantee. Routing, link framing and encryption live below this
// boundary.
package transport

// ReceiveFunc handles one inbound delivery. source is the transport
// address the payload arrived from and is valid as a reply destination.
// Deliveries may be duplicated and reordered; handlers must tolerate
// both.
type ReceiveFunc func(source string, payload []byte)

// Transport is the mesh link contract.
type Transport interface {
	// Send queues payload for delivery to destination. A nil error
	// means accepted by the transport, not delivered.
	Send(destination string, payload []byte) error
	// SetReceiveFunc installs the inbound delivery handler. It must be
	// called before traffic flows and at most once.
	SetReceiveFunc(fn ReceiveFunc)
	// LocalAddr returns this endpoint's transport address.
	LocalAddr() string
	Close() error
}
