package syncer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRunner struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRunner) RunCycle(ctx context.Context, scope Scope) (*CycleReport, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &CycleReport{CycleID: "c-1", Scope: scope.String()}, nil
}

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewScheduler(&fakeRunner{}, "every now and then", nil)
	if err == nil || !strings.Contains(err.Error(), "schedule") {
		t.Errorf("err = %v", err)
	}
}

func TestScheduler_TickRunsCycle(t *testing.T) {
	r := &fakeRunner{}
	s, err := NewScheduler(r, "@every 1h", nil)
	if err != nil {
		t.Fatal(err)
	}
	var got *CycleReport
	s.AfterCycle = func(_ context.Context, rep *CycleReport) { got = rep }

	s.tick()
	if r.calls.Load() != 1 {
		t.Errorf("calls = %d", r.calls.Load())
	}
	if got == nil || got.Scope != "all" {
		t.Errorf("AfterCycle report = %+v", got)
	}
}

func TestScheduler_TickErrorSkipsAfterCycle(t *testing.T) {
	r := &fakeRunner{err: errors.New("boom")}
	s, err := NewScheduler(r, "*/5 * * * *", nil)
	if err != nil {
		t.Fatal(err)
	}
	called := false
	s.AfterCycle = func(context.Context, *CycleReport) { called = true }
	s.tick()
	if called {
		t.Error("AfterCycle ran after failed cycle")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := NewScheduler(&fakeRunner{}, "@every 1h", nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	next := s.Next()
	if next.IsZero() || time.Until(next) > time.Hour+time.Minute {
		t.Errorf("Next = %v", next)
	}
	s.Stop()
	if s.ctx.Err() == nil {
		t.Error("scheduler context not cancelled by Stop")
	}
}
