package waiter

import (
	"math"
	"testing"
	"time"
)

func TestWaitReturnsImmediatelyIfCookieAlreadyMoved(t *testing.T) {
	t.Parallel()
	w := New()
	w.Notify()
	done := make(chan Cookie, 1)
	go func() { done <- w.Wait(0) }()
	select {
	case c := <-done:
		if c != 1 {
			t.Fatalf("expected cookie 1, got %d", c)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait blocked despite cookie already having moved")
	}
}

func TestNotifyWakesAllParkedWaiters(t *testing.T) {
	t.Parallel()
	w := New()
	const n = 8
	woke := make(chan struct{}, n)
	cookie := w.Cookie()
	for i := 0; i < n; i++ {
		go func() {
			w.Wait(cookie)
			woke <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond) // let goroutines reach Wait
	w.Notify()
	for i := 0; i < n; i++ {
		select {
		case <-woke:
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d waiters woke", i, n)
		}
	}
}

func TestCookieWrapsAtMaxUint64(t *testing.T) {
	t.Parallel()
	w := New()
	w.mu.Lock()
	w.cookie = Cookie(math.MaxUint64)
	w.mu.Unlock()

	prev := w.Cookie()
	done := make(chan Cookie, 1)
	go func() { done <- w.Wait(prev) }()
	time.Sleep(20 * time.Millisecond)
	w.Notify()

	select {
	case c := <-done:
		if c != 0 {
			t.Fatalf("expected cookie to wrap to 0, got %d", c)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after wraparound notify")
	}
}
