package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// UDP adapts a datagram socket to the Transport contract. It models the
// mesh honestly for bench use: datagrams may be lost, duplicated or
// reordered, and the payload must already fit the link unit, so the
// reliability layer above carries exactly the burden it carries on a
// real mesh gateway.
type UDP struct {
	conn *net.UDPConn

	mu     sync.Mutex
	fn     ReceiveFunc
	closed bool
	done   chan struct{}
}

// maxDatagram bounds a single read. Fragmented payloads are far
// smaller; this only guards against garbage.
const maxDatagram = 64 * 1024

// NewUDP binds a UDP transport on addr and starts its read loop.
func NewUDP(addr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	u := &UDP{conn: conn, done: make(chan struct{})}
	go u.readLoop()
	return u, nil
}

func (u *UDP) Send(destination string, payload []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", destination)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", destination, err)
	}
	_, err = u.conn.WriteToUDP(payload, raddr)
	return err
}

func (u *UDP) SetReceiveFunc(fn ReceiveFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fn = fn
}

func (u *UDP) LocalAddr() string { return u.conn.LocalAddr().String() }

func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	err := u.conn.Close()
	<-u.done
	return err
}

func (u *UDP) readLoop() {
	defer close(u.done)
	buf := make([]byte, maxDatagram)
	for {
		n, raddr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("udp transport read failed", slog.Any("error", err))
			continue
		}
		u.mu.Lock()
		fn := u.fn
		u.mu.Unlock()
		if fn == nil {
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		fn(raddr.String(), payload)
	}
}
