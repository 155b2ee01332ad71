package turn

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSessionLockSerializesSameSession(t *testing.T) {
	locks := NewSessionLocks()
	var mu sync.Mutex
	var order []int

	release1, _, err := locks.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		release2, waited, err := locks.Acquire(context.Background(), "s1")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		if waited <= 0 {
			t.Errorf("queued acquirer must record a wait, got %s", waited)
		}
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		release2()
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release1()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("turns must run in arrival order, got %v", order)
	}
}

func TestSessionLockDifferentSessionsConcurrent(t *testing.T) {
	locks := NewSessionLocks()
	r1, _, err := locks.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r2, _, err := locks.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("different session must not block: %v", err)
	}
	r2()
}

func TestSessionLockAbortsOnContext(t *testing.T) {
	locks := NewSessionLocks()
	r1, _, err := locks.Acquire(context.Background(), "s")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := locks.Acquire(ctx, "s"); err == nil {
		t.Fatalf("expected context error while queued")
	}

	// The dead waiter must not strand later acquirers.
	r1()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	r3, _, err := locks.Acquire(ctx2, "s")
	if err != nil {
		t.Fatalf("lock stranded behind aborted waiter: %v", err)
	}
	r3()
}
