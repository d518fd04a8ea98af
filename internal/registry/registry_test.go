package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	pings   atomic.Int32
	closes  atomic.Int32
	pingErr error
}

func (c *fakeConn) Ping() error {
	c.pings.Add(1)
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	return nil
}

func TestSweepPrunesAfterMissedPing(t *testing.T) {
	r := New(time.Minute)
	c := &fakeConn{}
	r.Register(c)

	if n := r.Sweep(); n != 0 {
		t.Fatalf("first Sweep() pruned %d, want 0", n)
	}
	if c.pings.Load() != 1 {
		t.Fatalf("pings = %d, want 1", c.pings.Load())
	}
	if n := r.Sweep(); n != 1 {
		t.Fatalf("second Sweep() pruned %d, want 1", n)
	}
	if c.closes.Load() != 1 {
		t.Fatalf("closes = %d, want 1", c.closes.Load())
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestSweepKeepsResponsiveConnection(t *testing.T) {
	r := New(time.Minute)
	c := &fakeConn{}
	id := r.Register(c)

	for i := 0; i < 5; i++ {
		if n := r.Sweep(); n != 0 {
			t.Fatalf("Sweep() #%d pruned %d, want 0", i, n)
		}
		if err := r.MarkAlive(id); err != nil {
			t.Fatalf("MarkAlive() error = %v", err)
		}
	}
	if c.closes.Load() != 0 {
		t.Fatalf("responsive connection was closed")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestSweepPrunesOnPingFailure(t *testing.T) {
	r := New(time.Minute)
	c := &fakeConn{pingErr: errors.New("broken pipe")}
	id := r.Register(c)

	var mu sync.Mutex
	var reasons []string
	r.SetPruneHook(func(gotID, reason string) {
		mu.Lock()
		defer mu.Unlock()
		if gotID != id {
			t.Errorf("hook id = %q, want %q", gotID, id)
		}
		reasons = append(reasons, reason)
	})

	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep() pruned %d, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != PrunePingFailed {
		t.Fatalf("reasons = %v, want [%s]", reasons, PrunePingFailed)
	}
}

func TestUnregisterAndMarkAlive(t *testing.T) {
	r := New(0)
	if r.Interval() != DefaultInterval {
		t.Fatalf("Interval() = %v, want %v", r.Interval(), DefaultInterval)
	}
	id := r.Register(&fakeConn{})
	r.Unregister(id)
	r.Unregister(id)
	if err := r.MarkAlive(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkAlive() error = %v, want %v", err, ErrNotFound)
	}
}

func TestConcurrentRegisterAndSweep(t *testing.T) {
	r := New(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.Register(&fakeConn{})
			_ = r.MarkAlive(id)
			r.Sweep()
			r.Unregister(id)
		}()
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestStartSweepsOnInterval(t *testing.T) {
	r := New(10 * time.Millisecond)
	c := &fakeConn{}
	r.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	time.Sleep(90 * time.Millisecond)
	if c.closes.Load() != 1 {
		t.Fatalf("closes = %d, want 1", c.closes.Load())
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestCloseAll(t *testing.T) {
	r := New(time.Minute)
	a, b := &fakeConn{}, &fakeConn{}
	r.Register(a)
	r.Register(b)

	if n := r.CloseAll(); n != 2 {
		t.Fatalf("CloseAll() = %d, want 2", n)
	}
	if a.closes.Load() != 1 || b.closes.Load() != 1 {
		t.Fatalf("closes = %d/%d, want 1/1", a.closes.Load(), b.closes.Load())
	}
	if len(r.Snapshot()) != 0 {
		t.Fatalf("Snapshot() not empty after CloseAll")
	}
}
