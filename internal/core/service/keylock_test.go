package service

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock("unit:A")

	acquired := make(chan struct{})
	go func() {
		u := km.Lock("unit:A")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatalf("second lock on the same key acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second lock never acquired after release")
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlock := km.Lock("unit:A")
	defer unlock()

	done := make(chan struct{})
	go func() {
		km.Lock("unit:B")()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on a different key blocked")
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	km := NewKeyedMutex()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("payment:x")
			unlock()
			unlock() // second call is a no-op
		}()
	}
	wg.Wait()

	if n := km.Len(); n != 0 {
		t.Fatalf("expected no entries left, got %d", n)
	}
}
