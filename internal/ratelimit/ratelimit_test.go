package ratelimit

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestAdmit_BackoffScenario(t *testing.T) {
	l := New(2, time.Second)

	if _, ok := l.Admit(at(0)); !ok {
		t.Fatal("t=0 should be admitted")
	}
	if _, ok := l.Admit(at(100)); !ok {
		t.Fatal("t=100 should be admitted")
	}
	if _, ok := l.Admit(at(200)); ok {
		t.Fatal("t=200 should be refused: window full")
	}
	if _, ok := l.Admit(at(999)); ok {
		t.Fatal("t=999 should still be blocked")
	}
	if _, ok := l.Admit(at(1001)); !ok {
		t.Fatal("t=1001 should be admitted again")
	}
}

func TestAdmit_WindowNeverExceeded(t *testing.T) {
	const (
		max    = 3
		window = 500 * time.Millisecond
	)
	l := New(max, window)
	rng := rand.New(rand.NewSource(42))

	var admitted []time.Time
	now := t0
	for i := 0; i < 2000; i++ {
		now = now.Add(time.Duration(rng.Intn(120)) * time.Millisecond)
		if _, ok := l.Admit(now); ok {
			admitted = append(admitted, now)
		}
	}

	for i, start := range admitted {
		end := start.Add(window)
		n := 0
		for _, ts := range admitted[i:] {
			if ts.Before(end) {
				n++
			}
		}
		if n > max {
			t.Fatalf("window starting %v holds %d admissions, max %d", start, n, max)
		}
	}
}

func TestRelease_FreesCapacityImmediately(t *testing.T) {
	l := New(2, time.Second)

	t1, _ := l.Admit(at(0))
	if _, ok := l.Admit(at(10)); !ok {
		t.Fatal("second admission should succeed")
	}
	if _, ok := l.Admit(at(20)); ok {
		t.Fatal("third admission should be refused")
	}

	l.Release(t1)

	if _, ok := l.Admit(at(30)); !ok {
		t.Fatal("released slot should be reusable right away")
	}
	if _, ok := l.Admit(at(40)); ok {
		t.Fatal("window is full again")
	}
}

func TestRelease_KeepsUpstreamBlock(t *testing.T) {
	l := New(5, time.Second)
	tk, _ := l.Admit(at(0))
	l.BlockUntil(at(5000))
	l.Release(tk)

	if _, ok := l.Admit(at(100)); ok {
		t.Fatal("upstream block must survive a release")
	}
	if _, ok := l.Admit(at(5000)); !ok {
		t.Fatal("admission should resume once the upstream block ends")
	}
}

func TestBlockUntil_NeverShortens(t *testing.T) {
	l := New(5, time.Second)
	l.BlockUntil(at(2000))
	l.BlockUntil(at(500))

	if l.WouldAdmit(at(1000)) {
		t.Fatal("shorter block must not override a longer one")
	}
	if !l.WouldAdmit(at(2000)) {
		t.Fatal("limiter should admit at the end of the block")
	}
}

func TestWouldAdmit_DoesNotConsume(t *testing.T) {
	l := New(1, time.Second)
	for i := 0; i < 5; i++ {
		if !l.WouldAdmit(at(0)) {
			t.Fatal("WouldAdmit should not consume capacity")
		}
	}
	if _, ok := l.Admit(at(0)); !ok {
		t.Fatal("Admit should succeed")
	}
	if l.WouldAdmit(at(1)) {
		t.Fatal("WouldAdmit should see the full window")
	}
}

func TestAdmit_Concurrent(t *testing.T) {
	l := New(10, time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.Admit(at(0)); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", admitted)
	}
}

func TestRegistry_LazyCreation(t *testing.T) {
	reg := NewRegistry()

	a := reg.Get("weather/a", 2, time.Second)
	if reg.Get("weather/a", 2, time.Second) != a {
		t.Fatal("expected same limiter for same provider")
	}
	if reg.Get("weather/b", 2, time.Second) == a {
		t.Fatal("expected a distinct limiter per provider")
	}
	if reg.Get("weather/a", 3, time.Second) == a {
		t.Fatal("a changed budget should recreate the limiter")
	}
}

func TestState(t *testing.T) {
	l := New(1, time.Second)
	l.Admit(at(0))
	l.Admit(at(1))

	s := l.State(at(2))
	if s.InWindow != 1 || s.MaxRequests != 1 {
		t.Fatalf("unexpected state %+v", s)
	}
	if !s.BlockedUntil.Equal(at(1000)) {
		t.Fatalf("BlockedUntil: got %v, want %v", s.BlockedUntil, at(1000))
	}
}
