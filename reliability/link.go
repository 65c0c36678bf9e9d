package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"meshpay/protocol"
	"meshpay/transport"
)

// RawHandler receives one fully reassembled payload, byte-identical to
// what the sender encoded. source is a valid reply destination.
type RawHandler func(source string, raw []byte)

// Link runs the fragmentation half of the reliability layer on top of
// one transport endpoint: outbound envelopes are split against the MTU,
// inbound frames are reassembled, and stale reassembly buffers are
// swept on a timer. Both the relay and the field client sit on a Link.
type Link struct {
	tr     transport.Transport
	mtu    int
	reasm  *Reassembler
	logger *slog.Logger

	handler RawHandler
	expired func(int) // sweep observer, optional
}

// NewLink wraps a transport endpoint. window bounds how long an
// incomplete reassembly buffer may live.
func NewLink(tr transport.Transport, mtu int, window time.Duration, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		tr:     tr,
		mtu:    mtu,
		reasm:  NewReassembler(window),
		logger: logger,
	}
	tr.SetReceiveFunc(l.receive)
	return l
}

// SetHandler installs the reassembled-payload handler.
func (l *Link) SetHandler(fn RawHandler) { l.handler = fn }

// SetExpiredFunc installs an observer invoked with the number of
// buffers dropped by each sweep.
func (l *Link) SetExpiredFunc(fn func(int)) { l.expired = fn }

// LocalAddr returns the underlying transport address.
func (l *Link) LocalAddr() string { return l.tr.LocalAddr() }

// SendEnvelope encodes and transmits one envelope, fragmenting when it
// exceeds the MTU.
func (l *Link) SendEnvelope(destination string, env *protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	return l.SendRaw(destination, env.Operator, env.RequestID, raw)
}

// SendRaw transmits pre-encoded envelope bytes. Replay caches use this
// to resend a cached response without re-encoding it.
func (l *Link) SendRaw(destination, operator, requestID string, raw []byte) error {
	frames, err := SplitFrames(operator, requestID, raw, l.mtu)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := l.tr.Send(destination, frame); err != nil {
			return fmt.Errorf("send frame to %s: %w", destination, err)
		}
	}
	return nil
}

// Run sweeps stale reassembly buffers until ctx is cancelled. The sweep
// interval is a quarter of the reassembly window.
func (l *Link) Run(ctx context.Context) {
	interval := l.reasm.window / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if dropped := l.reasm.Sweep(now); dropped > 0 {
				l.logger.Debug("discarded stale reassembly buffers", slog.Int("count", dropped))
				if l.expired != nil {
					l.expired(dropped)
				}
			}
		}
	}
}

func (l *Link) receive(source string, frame []byte) {
	raw, frag, err := ParseFrame(frame)
	if err != nil {
		// Link noise is absorbed here, never surfaced as a business
		// error.
		l.logger.Debug("dropping unparseable frame", slog.String("source", source), slog.Any("error", err))
		return
	}
	if frag != nil {
		payload, done := l.reasm.Add(frag, time.Now())
		if !done {
			return
		}
		raw = payload
	}
	if l.handler != nil {
		l.handler(source, raw)
	}
}
