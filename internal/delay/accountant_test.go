package delay

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

const ms = time.Millisecond

func TestAccount_IdleServer(t *testing.T) {
	var a Accountant
	steps := []struct {
		arrival        time.Duration
		wantDelay      time.Duration
		wantCompletion time.Duration
	}{
		{0, 13 * ms, 13 * ms},
		{10 * ms, 13 * ms, 23 * ms},
		{20 * ms, 13 * ms, 33 * ms},
	}
	for i, s := range steps {
		got := a.Account(s.arrival, 5*ms, 8*ms)
		if got != s.wantDelay {
			t.Errorf("call %d: delay = %v, want %v", i, got, s.wantDelay)
		}
		if a.LastCompletion() != s.wantCompletion {
			t.Errorf("call %d: lastCompletion = %v, want %v", i, a.LastCompletion(), s.wantCompletion)
		}
	}
}

func TestAccount_BusyServerQueues(t *testing.T) {
	var a Accountant
	// Own cost 30ms at a 10ms frame gap: the tracker falls behind.
	if got := a.Account(0, 5*ms, 30*ms); got != 35*ms {
		t.Fatalf("first delay = %v, want 35ms", got)
	}
	// ready = 15ms <= 35ms: waits, completes at 65ms, 55ms after arrival.
	if got := a.Account(10*ms, 5*ms, 30*ms); got != 55*ms {
		t.Errorf("second delay = %v, want 55ms", got)
	}
	if got := a.Account(20*ms, 5*ms, 30*ms); got != 75*ms {
		t.Errorf("third delay = %v, want 75ms", got)
	}
	if a.LastCompletion() != 95*ms {
		t.Errorf("lastCompletion = %v, want 95ms", a.LastCompletion())
	}
}

func TestAccount_NegativeCostsClamp(t *testing.T) {
	var a Accountant
	if got := a.Account(10*ms, -5*ms, -1*ms); got != 0 {
		t.Errorf("delay = %v, want 0", got)
	}
}

func TestAccount_Reset(t *testing.T) {
	var a Accountant
	a.Account(0, 0, 50*ms)
	a.Reset()
	if a.LastCompletion() != 0 {
		t.Errorf("lastCompletion after reset = %v", a.LastCompletion())
	}
}

func TestAccount_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var a Accountant
	prev := a.LastCompletion()
	for i := 0; i < 10000; i++ {
		// Arrivals are deliberately unordered.
		arrival := time.Duration(rng.Intn(1000)) * ms
		upstream := time.Duration(rng.Intn(50)) * ms
		own := time.Duration(rng.Intn(50)) * ms

		got := a.Account(arrival, upstream, own)
		if got < own {
			t.Fatalf("step %d: delay %v < own cost %v", i, got, own)
		}
		if a.LastCompletion() < prev {
			t.Fatalf("step %d: lastCompletion decreased %v -> %v", i, prev, a.LastCompletion())
		}
		prev = a.LastCompletion()
	}
}

func TestAccount_Concurrent(t *testing.T) {
	var a Accountant
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.Account(0, 0, ms)
			}
		}()
	}
	wg.Wait()
	if a.LastCompletion() != 800*ms {
		t.Errorf("lastCompletion = %v, want 800ms", a.LastCompletion())
	}
}
