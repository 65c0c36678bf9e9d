package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"meshpay/protocol"
)

// StatusFunc handles an unsolicited Status push.
type StatusFunc func(env *protocol.Envelope)

// Courier is the sending side of the reliability layer. It transmits a
// request, correlates the response by request identifier, and retries
// with the backoff policy until the attempt budget is exhausted, at
// which point the caller gets a Timeout error. A response arriving
// after that is dropped here; the relay keeps it cached against the
// request id, so a later duplicate delivery of the request converges on
// the same answer.
type Courier struct {
	link   *Link
	policy BackoffPolicy
	logger *slog.Logger

	onStatus StatusFunc

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope
}

// NewCourier builds a courier on a link. The courier takes over the
// link's inbound handler.
func NewCourier(link *Link, policy BackoffPolicy, logger *slog.Logger) *Courier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Courier{
		link:    link,
		policy:  policy,
		logger:  logger,
		pending: make(map[string]chan *protocol.Envelope),
	}
	link.SetHandler(c.handleInbound)
	return c
}

// SetStatusFunc installs the handler for unsolicited Status pushes.
func (c *Courier) SetStatusFunc(fn StatusFunc) { c.onStatus = fn }

// Request sends env to destination and waits for the correlated
// response. The returned envelope is either the paired response kind or
// an error envelope; taxonomy errors carried in error envelopes are
// returned as *protocol.Error.
func (c *Courier) Request(ctx context.Context, destination string, env *protocol.Envelope) (*protocol.Envelope, error) {
	raw, err := protocol.Encode(env)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[env.RequestID] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
	}()

	attempts := c.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.String("request_id", env.RequestID),
				slog.String("kind", env.Kind.String()),
				slog.Int("attempt", attempt+1))
		}
		if err := c.link.SendRaw(destination, env.Operator, env.RequestID, raw); err != nil {
			return nil, err
		}

		timer := time.NewTimer(c.policy.Delay(attempt))
		select {
		case resp := <-respCh:
			timer.Stop()
			return c.resolve(resp)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, protocol.Errorf(protocol.CodeTimeout, env.RequestID,
		"no response after %d attempts", attempts)
}

func (c *Courier) resolve(resp *protocol.Envelope) (*protocol.Envelope, error) {
	if resp.Kind == protocol.KindError {
		perr, err := resp.PayloadError()
		if err != nil {
			return nil, err
		}
		return nil, perr
	}
	return resp, nil
}

func (c *Courier) handleInbound(source string, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Debug("dropping undecodable payload", slog.String("source", source), slog.Any("error", err))
		return
	}
	if env.Kind == protocol.KindStatus {
		if c.onStatus != nil {
			c.onStatus(env)
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	c.mu.Unlock()
	if !ok {
		// Either a duplicate delivery of an already-resolved response
		// or a late answer past the retry budget.
		c.logger.Debug("dropping uncorrelated response",
			slog.String("request_id", env.RequestID),
			slog.String("kind", env.Kind.String()))
		return
	}
	select {
	case ch <- env:
	default:
	}
}
