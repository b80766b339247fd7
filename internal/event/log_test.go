package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aryan2574/quantis-sub002/internal/domain"
)

func TestPartition_StableAndBounded(t *testing.T) {
	for _, key := range []string{"acct-1", "acct-1|AAPL", "", "x"} {
		p := Partition(key, 8)
		if p < 0 || p >= 8 {
			t.Errorf("Partition(%q) = %d, out of range", key, p)
		}
		if p != Partition(key, 8) {
			t.Errorf("Partition(%q) is not stable", key)
		}
	}
	if Partition("anything", 0) != 0 {
		t.Error("Zero partitions should collapse to a single partition")
	}
}

func TestMemoryLog_DeliversToAllGroups(t *testing.T) {
	log := NewMemoryLog(MemoryLogConfig{Partitions: 4})
	defer log.Close()

	var mu sync.Mutex
	got := map[string]int{}
	for _, name := range []string{"g1", "g2"} {
		name := name
		log.Subscribe("orders.test", name, func(context.Context, Message) error {
			mu.Lock()
			got[name]++
			mu.Unlock()
			return nil
		})
	}

	if err := log.Publish(context.Background(), "orders.test", "k1", []byte("{}")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := got["g1"] == 1 && got["g2"] == 1
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected one delivery per group, got %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryLog_OrderedWithinKey(t *testing.T) {
	log := NewMemoryLog(MemoryLogConfig{Partitions: 8})
	defer log.Close()

	const n = 100
	var mu sync.Mutex
	var got []string
	log.Subscribe("orders.test", "g1", func(_ context.Context, msg Message) error {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
		return nil
	})

	for i := 0; i < n; i++ {
		if err := log.Publish(context.Background(), "orders.test", "acct-1", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := len(got)
		mu.Unlock()
		if count == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d deliveries, got %d", n, count)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		if got[i] != fmt.Sprintf("%d", i) {
			t.Fatalf("Delivery order broken at %d: got %s", i, got[i])
		}
	}
}

func TestMemoryLog_RedeliversOnError(t *testing.T) {
	log := NewMemoryLog(MemoryLogConfig{Partitions: 1, MaxAttempts: 5, RetryBase: time.Millisecond})
	defer log.Close()

	var mu sync.Mutex
	attempts := 0
	log.Subscribe("orders.test", "g1", func(context.Context, Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err := log.Publish(context.Background(), "orders.test", "k1", []byte("{}")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := attempts == 3
		mu.Unlock()
		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 attempts, got %d", attempts)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryLog_DeadLettersPoisonMessages(t *testing.T) {
	log := NewMemoryLog(MemoryLogConfig{Partitions: 1, MaxAttempts: 2, RetryBase: time.Millisecond})
	defer log.Close()

	dlq := make(chan Message, 1)
	log.Subscribe("orders.test"+DLQSuffix, "dlq-watch", func(_ context.Context, msg Message) error {
		dlq <- msg
		return nil
	})
	log.Subscribe("orders.test", "g1", func(context.Context, Message) error {
		return errors.New("permanent")
	})

	if err := log.Publish(context.Background(), "orders.test", "k1", []byte("poison")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-dlq:
		if string(msg.Payload) != "poison" {
			t.Errorf("Unexpected DLQ payload %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poison message never reached the DLQ")
	}
}

func TestMemoryLog_HandlerPanicIsContained(t *testing.T) {
	log := NewMemoryLog(MemoryLogConfig{Partitions: 1, MaxAttempts: 2, RetryBase: time.Millisecond})
	defer log.Close()

	delivered := make(chan struct{}, 1)
	first := true
	log.Subscribe("orders.test", "g1", func(_ context.Context, msg Message) error {
		if string(msg.Payload) == "boom" {
			panic("handler bug")
		}
		if first {
			first = false
			delivered <- struct{}{}
		}
		return nil
	})

	if err := log.Publish(context.Background(), "orders.test", "k1", []byte("boom")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := log.Publish(context.Background(), "orders.test", "k1", []byte("ok")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("Panic in a handler blocked the partition")
	}
}

func TestMemoryLog_ClosedRejectsPublish(t *testing.T) {
	log := NewMemoryLog(MemoryLogConfig{})
	log.Close()

	err := log.Publish(context.Background(), "orders.test", "k1", []byte("{}"))
	if !errors.Is(err, domain.ErrLogClosed) {
		t.Errorf("Expected ErrLogClosed, got %v", err)
	}
}
