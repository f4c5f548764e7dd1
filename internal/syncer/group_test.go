package syncer

import (
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	var k keyedMutex
	var active, peak atomic.Int32
	var wg gosync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := k.Lock("card-1")
			defer release()
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Errorf("peak holders = %d, want 1", peak.Load())
	}
	if len(k.locks) != 0 {
		t.Errorf("entries left = %d, want 0", len(k.locks))
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	var k keyedMutex
	release := k.Lock("a")
	defer release()

	done := make(chan struct{})
	go func() {
		k.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by a")
	}
}

func TestNewLimitedGroup(t *testing.T) {
	for _, n := range []int{0, 2} {
		g := newLimitedGroup(n)
		limit := max(n, 1)
		var active, peak atomic.Int32
		var mu gosync.Mutex
		for range 6 {
			g.Go(func() error {
				v := active.Add(1)
				mu.Lock()
				if v > peak.Load() {
					peak.Store(v)
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
		}
		g.Wait()
		if int(peak.Load()) > limit {
			t.Errorf("n=%d: peak = %d, want <= %d", n, peak.Load(), limit)
		}
	}
}
