package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestKeys_LeadFirstRestSortedUnique(t *testing.T) {
	got := Keys("payment:p1", "claim:b", "claim:a", "claim:b", "payment:p1")
	want := []string{"payment:p1", "claim:a", "claim:b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key[%d]: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestKeys_NoLead(t *testing.T) {
	got := Keys("", "claim:z", "claim:y")
	if len(got) != 2 || got[0] != "claim:y" {
		t.Errorf("expected sorted claim keys, got %v", got)
	}
}

func TestEntityKeys(t *testing.T) {
	id := uuid.MustParse("6f1c2f0e-8d4b-4a7e-9c1e-2b3a4d5e6f70")
	if ClaimKey(id) != "claim:6f1c2f0e-8d4b-4a7e-9c1e-2b3a4d5e6f70" {
		t.Errorf("unexpected claim key %s", ClaimKey(id))
	}
	if PaymentKey(id) != "payment:6f1c2f0e-8d4b-4a7e-9c1e-2b3a4d5e6f70" {
		t.Errorf("unexpected payment key %s", PaymentKey(id))
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "claim:1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxActive)
	}
	if km.Len() != 0 {
		t.Errorf("expected entries to be cleaned up, got %d", km.Len())
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	unlockA, err := km.Lock(context.Background(), "claim:a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := km.Lock(ctx, "claim:b")
	if err != nil {
		t.Fatalf("expected claim:b to lock while claim:a is held, got %v", err)
	}
	unlockB()
}

func TestKeyedMutex_ContextCancelReleasesPartialLocks(t *testing.T) {
	km := NewKeyedMutex()
	unlockB, err := km.Lock(context.Background(), "claim:b")
	if err != nil {
		t.Fatalf("lock b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "claim:a", "claim:b"); err == nil {
		t.Fatal("expected timeout while claim:b is held")
	}

	// claim:a must have been released by the failed call.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	unlockA, err := km.Lock(ctx2, "claim:a")
	if err != nil {
		t.Fatalf("expected claim:a to be free, got %v", err)
	}
	unlockA()
	unlockB()
	if km.Len() != 0 {
		t.Errorf("expected no tracked keys, got %d", km.Len())
	}
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "payment:1", "claim:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
	unlock()
	if km.Len() != 0 {
		t.Errorf("expected no tracked keys, got %d", km.Len())
	}
}
