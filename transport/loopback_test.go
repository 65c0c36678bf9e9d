package transport

import (
	"sync"
	"testing"
)

func TestLoopbackDelivery(t *testing.T) {
	mesh := NewLoopbackNetwork()
	a := mesh.Endpoint("a")
	b := mesh.Endpoint("b")

	var mu sync.Mutex
	var got []string
	b.SetReceiveFunc(func(source string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, source+":"+string(payload))
	})

	if err := a.Send("b", []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "a:hello" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestLoopbackDuplicationAndLoss(t *testing.T) {
	mesh := NewLoopbackNetwork()
	a := mesh.Endpoint("a")
	b := mesh.Endpoint("b")

	var mu sync.Mutex
	count := 0
	b.SetReceiveFunc(func(string, []byte) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	mesh.DuplicateEvery(2)
	if err := a.Send("b", []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send("b", []byte("y")); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	if count != 3 {
		t.Fatalf("expected second payload duplicated, got %d deliveries", count)
	}
	count = 0
	mu.Unlock()

	mesh.DuplicateEvery(0)
	mesh.DropEvery(1)
	if err := a.Send("b", []byte("z")); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("dropped payload should not arrive, got %d", count)
	}
}

func TestLoopbackUnknownDestination(t *testing.T) {
	mesh := NewLoopbackNetwork()
	a := mesh.Endpoint("a")
	if err := a.Send("nowhere", []byte("x")); err == nil {
		t.Fatalf("send to unknown endpoint should fail")
	}
}
