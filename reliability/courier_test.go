package reliability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshpay/protocol"
	"meshpay/transport"
)

// echoResponder answers every request envelope with the paired response
// kind, optionally ignoring the first n deliveries.
type echoResponder struct {
	link *Link

	mu      sync.Mutex
	ignore  int
	served  int
	replies map[string]int
}

func newEchoResponder(link *Link) *echoResponder {
	r := &echoResponder{link: link, replies: make(map[string]int)}
	link.SetHandler(r.handle)
	return r
}

func (r *echoResponder) handle(source string, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		return
	}
	r.mu.Lock()
	if r.ignore > 0 {
		r.ignore--
		r.mu.Unlock()
		return
	}
	r.served++
	r.replies[env.RequestID]++
	r.mu.Unlock()

	resp, err := protocol.NewEnvelope(env.Kind.ResponseKind(), env.Operator, env.RequestID,
		&protocol.BalanceResponse{Balance: 42})
	if err != nil {
		return
	}
	_ = r.link.SendEnvelope(source, resp)
}

func newTestPair(t *testing.T, policy BackoffPolicy) (*Courier, *echoResponder) {
	t.Helper()
	mesh := transport.NewLoopbackNetwork()
	clientEP := mesh.Endpoint("client")
	relayEP := mesh.Endpoint("relay")

	clientLink := NewLink(clientEP, 450, time.Minute, nil)
	relayLink := NewLink(relayEP, 450, time.Minute, nil)

	courier := NewCourier(clientLink, policy, nil)
	responder := newEchoResponder(relayLink)
	return courier, responder
}

func balanceEnvelope(t *testing.T, requestID string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.KindBalanceRequest, "alice", requestID, &protocol.BalanceRequest{})
	require.NoError(t, err)
	return env
}

func TestCourierRequestResponse(t *testing.T) {
	policy := BackoffPolicy{Base: 200 * time.Millisecond, Factor: 2, Jitter: 0, MaxAttempts: 3}
	courier, responder := newTestPair(t, policy)

	resp, err := courier.Request(context.Background(), "relay", balanceEnvelope(t, "req-1"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindBalanceResponse, resp.Kind)
	require.Equal(t, "req-1", resp.RequestID)

	body, err := resp.Body()
	require.NoError(t, err)
	require.Equal(t, uint64(42), body.(*protocol.BalanceResponse).Balance)
	require.Equal(t, 1, responder.served)
}

func TestCourierRetriesAfterLoss(t *testing.T) {
	policy := BackoffPolicy{Base: 50 * time.Millisecond, Factor: 2, Jitter: 0, MaxAttempts: 4}
	courier, responder := newTestPair(t, policy)
	responder.mu.Lock()
	responder.ignore = 2 // first two deliveries vanish
	responder.mu.Unlock()

	start := time.Now()
	resp, err := courier.Request(context.Background(), "relay", balanceEnvelope(t, "req-2"))
	require.NoError(t, err)
	require.Equal(t, "req-2", resp.RequestID)
	// Two lost deliveries mean at least base + base*2 of waiting.
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestCourierTimeoutAfterBudget(t *testing.T) {
	policy := BackoffPolicy{Base: 20 * time.Millisecond, Factor: 1.5, Jitter: 0, MaxAttempts: 3}
	courier, responder := newTestPair(t, policy)
	responder.mu.Lock()
	responder.ignore = 100
	responder.mu.Unlock()

	_, err := courier.Request(context.Background(), "relay", balanceEnvelope(t, "req-3"))
	perr, ok := protocol.AsError(err)
	require.True(t, ok, "expected taxonomy error, got %v", err)
	require.Equal(t, protocol.CodeTimeout, perr.Code)
	require.Equal(t, "req-3", perr.RequestID)
}

func TestCourierContextCancellation(t *testing.T) {
	policy := BackoffPolicy{Base: time.Minute, Factor: 2, Jitter: 0, MaxAttempts: 3}
	courier, responder := newTestPair(t, policy)
	responder.mu.Lock()
	responder.ignore = 100
	responder.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := courier.Request(ctx, "relay", balanceEnvelope(t, "req-4"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCourierErrorEnvelope(t *testing.T) {
	mesh := transport.NewLoopbackNetwork()
	clientEP := mesh.Endpoint("client")
	relayEP := mesh.Endpoint("relay")
	clientLink := NewLink(clientEP, 450, time.Minute, nil)
	relayLink := NewLink(relayEP, 450, time.Minute, nil)

	relayLink.SetHandler(func(source string, raw []byte) {
		env, err := protocol.Decode(raw)
		if err != nil {
			return
		}
		reply, err := protocol.ErrorEnvelope(env.Operator,
			protocol.NewError(protocol.CodeUnauthorized, env.RequestID, "unknown operator"))
		if err != nil {
			return
		}
		_ = relayLink.SendEnvelope(source, reply)
	})

	policy := BackoffPolicy{Base: 200 * time.Millisecond, Factor: 2, Jitter: 0, MaxAttempts: 2}
	courier := NewCourier(clientLink, policy, nil)

	_, err := courier.Request(context.Background(), "relay", balanceEnvelope(t, "req-5"))
	perr, ok := protocol.AsError(err)
	require.True(t, ok)
	require.Equal(t, protocol.CodeUnauthorized, perr.Code)
	require.Equal(t, "req-5", perr.RequestID)
}

func TestCourierStatusPush(t *testing.T) {
	mesh := transport.NewLoopbackNetwork()
	clientEP := mesh.Endpoint("client")
	relayEP := mesh.Endpoint("relay")
	clientLink := NewLink(clientEP, 450, time.Minute, nil)
	relayLink := NewLink(relayEP, 450, time.Minute, nil)

	courier := NewCourier(clientLink, DefaultBackoff(), nil)
	statusCh := make(chan *protocol.Envelope, 1)
	courier.SetStatusFunc(func(env *protocol.Envelope) { statusCh <- env })

	push, err := protocol.NewEnvelope(protocol.KindStatus, "alice", "", &protocol.Status{
		Event:   protocol.StatusTxConfirmed,
		TxHash:  "ab12",
		Message: "confirmed",
	})
	require.NoError(t, err)
	require.NoError(t, relayLink.SendEnvelope("client", push))

	select {
	case env := <-statusCh:
		body, err := env.Body()
		require.NoError(t, err)
		require.Equal(t, protocol.StatusTxConfirmed, body.(*protocol.Status).Event)
	case <-time.After(time.Second):
		t.Fatalf("status push never arrived")
	}
}
