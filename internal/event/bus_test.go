package event

import (
	"sync"
	"testing"
)

func TestBusSubscribeUnsubscribe(t *testing.T) {
	var b Bus[string]

	s1 := b.Subscribe(func(string) {})
	s2 := b.Subscribe(func(string) {})
	if b.Len() != 2 {
		t.Fatalf("expected 2 handlers, got %d", b.Len())
	}

	s1.Unsubscribe()
	s1.Unsubscribe()
	if b.Len() != 1 {
		t.Fatalf("expected 1 handler after unsubscribe, got %d", b.Len())
	}
	s2.Unsubscribe()
	if b.Len() != 0 {
		t.Fatalf("expected 0 handlers, got %d", b.Len())
	}
}

func TestBusPublishOrder(t *testing.T) {
	var b Bus[int]
	var got []int
	b.Subscribe(func(v int) { got = append(got, v*10+1) })
	b.Subscribe(func(v int) { got = append(got, v*10+2) })

	b.Publish(1)
	b.Publish(2)

	want := []int{11, 12, 21, 22}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBusUnsubscribeDuringDispatch(t *testing.T) {
	var b Bus[int]
	calls := 0
	var self *Subscription
	self = b.Subscribe(func(int) {
		calls++
		self.Unsubscribe()
	})
	second := 0
	b.Subscribe(func(int) { second++ })

	b.Publish(1)
	b.Publish(2)

	if calls != 1 {
		t.Errorf("self-removing handler called %d times, want 1", calls)
	}
	if second != 2 {
		t.Errorf("remaining handler called %d times, want 2", second)
	}
}

func TestBusSubscribeDuringDispatch(t *testing.T) {
	var b Bus[int]
	late := 0
	b.Subscribe(func(int) {
		b.Subscribe(func(int) { late++ })
	})
	b.Publish(1)
	if late != 0 {
		t.Errorf("handler added during dispatch must not see the current event")
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	var b Bus[int]
	var mu sync.Mutex
	total := 0
	b.Subscribe(func(v int) {
		mu.Lock()
		total += v
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(1)
		}()
	}
	wg.Wait()
	if total != 50 {
		t.Errorf("expected 50, got %d", total)
	}
}
