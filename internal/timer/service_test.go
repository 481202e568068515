package timer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
	"github.com/linkflow/execplane/internal/rpc"
	"github.com/linkflow/execplane/internal/timer"
	"github.com/linkflow/execplane/internal/timer/store"
)

type fakeHistory struct {
	mu    sync.Mutex
	fired []*rpc.RecordTimerFiredRequest
	err   error
}

func (f *fakeHistory) RecordTimerFired(ctx context.Context, req *rpc.RecordTimerFiredRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.fired = append(f.fired, req)
	return nil
}

func (f *fakeHistory) firedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func (f *fakeHistory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func testKey() types.ExecutionKey {
	return types.ExecutionKey{Namespace: "default", WorkflowID: "wf-1", RunID: "run-1"}
}

func newTimerService(t *testing.T) (*timer.Service, *store.MemoryStore, *fakeHistory) {
	t.Helper()
	st := store.NewMemoryStore()
	history := &fakeHistory{}
	svc := timer.NewService(st, history, timer.Config{
		ScanInterval: 10 * time.Millisecond,
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc, st, history
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_FiresDueTimer(t *testing.T) {
	svc, _, history := newTimerService(t)
	ctx := context.Background()

	err := svc.ScheduleTimer(ctx, &rpc.ScheduleTimerRequest{
		Key:              testKey(),
		TimerID:          "t1",
		NodeID:           "delay-1",
		ScheduledEventID: 5,
		FireTime:         time.Now().Add(20 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("ScheduleTimer error = %v", err)
	}

	waitFor(t, func() bool { return history.firedCount() == 1 }, "timer never fired")

	history.mu.Lock()
	fired := history.fired[0]
	history.mu.Unlock()
	if fired.TimerID != "t1" || fired.ScheduledEventID != 5 {
		t.Errorf("fired = %s/%d, want t1/5", fired.TimerID, fired.ScheduledEventID)
	}

	// One fire only, even across later scans.
	time.Sleep(50 * time.Millisecond)
	if history.firedCount() != 1 {
		t.Errorf("fired count = %d, want 1", history.firedCount())
	}
}

func TestService_ScheduleIsIdempotent(t *testing.T) {
	svc, st, _ := newTimerService(t)
	ctx := context.Background()

	req := &rpc.ScheduleTimerRequest{
		Key:      testKey(),
		TimerID:  "t1",
		FireTime: time.Now().Add(time.Hour),
	}
	if err := svc.ScheduleTimer(ctx, req); err != nil {
		t.Fatalf("first ScheduleTimer error = %v", err)
	}
	if err := svc.ScheduleTimer(ctx, req); err != nil {
		t.Fatalf("second ScheduleTimer error = %v", err)
	}
	if st.Count() != 1 {
		t.Errorf("stored timers = %d, want 1", st.Count())
	}
}

func TestService_CancelPreventsFire(t *testing.T) {
	svc, _, history := newTimerService(t)
	ctx := context.Background()

	err := svc.ScheduleTimer(ctx, &rpc.ScheduleTimerRequest{
		Key:      testKey(),
		TimerID:  "t1",
		FireTime: time.Now().Add(30 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("ScheduleTimer error = %v", err)
	}

	if err := svc.CancelTimer(ctx, &rpc.CancelTimerRequest{Key: testKey(), TimerID: "t1"}); err != nil {
		t.Fatalf("CancelTimer error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if history.firedCount() != 0 {
		t.Errorf("cancelled timer fired %d times", history.firedCount())
	}

	got, err := svc.GetTimer(ctx, testKey(), "t1")
	if err != nil {
		t.Fatalf("GetTimer error = %v", err)
	}
	if got.Status != timer.StatusCancelled {
		t.Errorf("status = %d, want cancelled", got.Status)
	}
}

func TestService_CancelUnknownTimerIsNoOp(t *testing.T) {
	svc, _, _ := newTimerService(t)
	err := svc.CancelTimer(context.Background(), &rpc.CancelTimerRequest{
		Key:     testKey(),
		TimerID: "never-existed",
	})
	if err != nil {
		t.Errorf("CancelTimer error = %v, want nil", err)
	}
}

func TestService_RetriesAfterHistoryFailure(t *testing.T) {
	svc, _, history := newTimerService(t)
	ctx := context.Background()
	history.setErr(context.DeadlineExceeded)

	err := svc.ScheduleTimer(ctx, &rpc.ScheduleTimerRequest{
		Key:      testKey(),
		TimerID:  "t1",
		FireTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("ScheduleTimer error = %v", err)
	}

	// Let the first attempt fail and roll back, then heal history.
	time.Sleep(50 * time.Millisecond)
	history.setErr(nil)

	waitFor(t, func() bool { return history.firedCount() == 1 }, "timer not retried after failure")
}

func TestService_ClosedExecutionCountsAsDelivered(t *testing.T) {
	svc, _, history := newTimerService(t)
	ctx := context.Background()
	history.setErr(rpc.ErrExecutionClosed)

	err := svc.ScheduleTimer(ctx, &rpc.ScheduleTimerRequest{
		Key:      testKey(),
		TimerID:  "t1",
		FireTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("ScheduleTimer error = %v", err)
	}

	waitFor(t, func() bool {
		got, err := svc.GetTimer(ctx, testKey(), "t1")
		return err == nil && got.Status == timer.StatusFired
	}, "timer for closed execution not settled")
}
