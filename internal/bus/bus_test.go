package bus

import (
	"sync"
	"testing"
)

func TestBus_SubscriptionOrder(t *testing.T) {
	b := New(nil)
	var order []int
	b.Subscribe(ToolStarted, func(event string, payload Payload) {
		order = append(order, 1)
	})
	b.Subscribe(ToolStarted, func(event string, payload Payload) {
		order = append(order, 2)
	})
	b.Subscribe(ToolStarted, func(event string, payload Payload) {
		order = append(order, 3)
	})

	b.Publish(ToolStarted, Payload{"tool": "bash"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("handlers ran out of order: %v", order)
	}
}

func TestBus_PanicIsolation(t *testing.T) {
	b := New(nil)
	var before, after bool
	b.Subscribe(AgentError, func(event string, payload Payload) { before = true })
	b.Subscribe(AgentError, func(event string, payload Payload) { panic("boom") })
	b.Subscribe(AgentError, func(event string, payload Payload) { after = true })

	b.Publish(AgentError, Payload{"error": "x"})

	if !before || !after {
		t.Errorf("panicking handler affected peers: before=%v after=%v", before, after)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(nil)
	calls := 0
	unsub := b.Subscribe(MessageCreated, func(event string, payload Payload) { calls++ })

	b.Publish(MessageCreated, nil)
	unsub()
	b.Publish(MessageCreated, nil)
	// Unsubscribing twice is harmless.
	unsub()

	if calls != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", calls)
	}
	if n := b.SubscriberCount(MessageCreated); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}

func TestBus_Clear(t *testing.T) {
	b := New(nil)
	b.Subscribe(TaskStarted, func(string, Payload) {})
	b.Subscribe(TaskCompleted, func(string, Payload) {})

	b.Clear(TaskStarted)
	if b.SubscriberCount(TaskStarted) != 0 || b.SubscriberCount(TaskCompleted) != 1 {
		t.Error("Clear with names should only remove named events")
	}

	b.Clear()
	if b.SubscriberCount(TaskCompleted) != 0 {
		t.Error("Clear with no names should remove everything")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	seen := 0
	b.Subscribe(SessionUpdated, func(event string, payload Payload) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(SessionUpdated, nil)
		}()
	}
	wg.Wait()

	if seen != 50 {
		t.Errorf("expected 50 deliveries, got %d", seen)
	}
}
