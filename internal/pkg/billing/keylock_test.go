package billing

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	const workers = 16
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("web|sub-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Fatalf("counter = %d, want %d", counter, workers)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	km := newKeyedMutex()

	unlock := km.Lock("web|sub-1")
	unlock()
	unlockA := km.Lock("apple|sub-2")
	unlockB := km.Lock("google|sub-3")
	unlockA()
	unlockB()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Fatalf("lock map holds %d entries after release, want 0", len(km.locks))
	}
}

func TestKeyedMutexIndependentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()

	unlock := km.Lock("web|sub-1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := km.Lock("web|sub-2")
		u()
		close(done)
	}()
	<-done
}
