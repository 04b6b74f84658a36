package stockd

import (
	"sync"
	"testing"
)

func TestStripedLocks_SameKeySerializes(t *testing.T) {
	sl := NewStripedLocks(32)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sl.Lock("widget")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100, got %d", counter)
	}
}

func TestStripedLocks_StableStripeIndex(t *testing.T) {
	sl := NewStripedLocks(32)

	first := sl.getStripeIndex("widget")
	for i := 0; i < 10; i++ {
		if got := sl.getStripeIndex("widget"); got != first {
			t.Fatalf("stripe index must be stable, got %d then %d", first, got)
		}
	}
	if first >= 32 {
		t.Errorf("stripe index out of range: %d", first)
	}
}

func TestStripedLocks_DefaultStripeCount(t *testing.T) {
	sl := NewStripedLocks(0)
	if sl.count != 32 {
		t.Errorf("expected default of 32 stripes, got %d", sl.count)
	}
}

func TestStripedLocks_ReadersShareStripe(t *testing.T) {
	sl := NewStripedLocks(4)

	unlock1 := sl.RLock("widget")
	unlock2 := sl.RLock("widget")
	unlock1()
	unlock2()
}
