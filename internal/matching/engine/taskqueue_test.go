package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/linkflow/execplane/internal/rpc"
)

func newTask(id, workflowID string) *rpc.Task {
	return &rpc.Task{
		ID:            id,
		Type:          rpc.TaskTypeActivity,
		Queue:         "test",
		Namespace:     "default",
		WorkflowID:    workflowID,
		RunID:         "run-1",
		ScheduledTime: time.Now(),
	}
}

func mustPoll(t *testing.T, tq *TaskQueue) *Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := tq.Poll(ctx, "tester")
	if err != nil {
		t.Fatalf("Poll error = %v", err)
	}
	if lease == nil {
		t.Fatal("Poll returned no lease")
	}
	return lease
}

func TestTaskQueue_AddPollComplete(t *testing.T) {
	tq := NewTaskQueue("test", Config{})

	if err := tq.Add(newTask("t1", "wf-1")); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	lease := mustPoll(t, tq)
	if lease.Task.ID != "t1" {
		t.Errorf("task ID = %s, want t1", lease.Task.ID)
	}
	if lease.Token == "" {
		t.Error("lease token is empty")
	}
	if lease.Deliveries != 1 {
		t.Errorf("deliveries = %d, want 1", lease.Deliveries)
	}

	if err := tq.Complete("t1", lease.Token); err != nil {
		t.Fatalf("Complete error = %v", err)
	}
	if tq.InFlight() != 0 {
		t.Errorf("in flight = %d, want 0", tq.InFlight())
	}
}

func TestTaskQueue_DuplicateAddRejected(t *testing.T) {
	tq := NewTaskQueue("test", Config{})

	if err := tq.Add(newTask("t1", "wf-1")); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if err := tq.Add(newTask("t1", "wf-1")); !errors.Is(err, ErrTaskExists) {
		t.Errorf("duplicate Add error = %v, want ErrTaskExists", err)
	}

	// Still a duplicate while leased.
	lease := mustPoll(t, tq)
	if err := tq.Add(newTask("t1", "wf-1")); !errors.Is(err, ErrTaskExists) {
		t.Errorf("Add while leased error = %v, want ErrTaskExists", err)
	}
	_ = tq.Complete("t1", lease.Token)

	// Free to enqueue again once completed.
	if err := tq.Add(newTask("t1", "wf-1")); err != nil {
		t.Errorf("Add after complete error = %v", err)
	}
}

func TestTaskQueue_CompleteValidatesLease(t *testing.T) {
	tq := NewTaskQueue("test", Config{})
	_ = tq.Add(newTask("t1", "wf-1"))
	lease := mustPoll(t, tq)

	if err := tq.Complete("t1", "wrong-token"); !errors.Is(err, ErrLeaseInvalid) {
		t.Errorf("Complete with bad token error = %v, want ErrLeaseInvalid", err)
	}
	if err := tq.Complete("missing", lease.Token); !errors.Is(err, ErrLeaseUnknown) {
		t.Errorf("Complete unknown task error = %v, want ErrLeaseUnknown", err)
	}
	if err := tq.Complete("t1", lease.Token); err != nil {
		t.Errorf("Complete error = %v", err)
	}
	if err := tq.Complete("t1", lease.Token); !errors.Is(err, ErrLeaseUnknown) {
		t.Errorf("double Complete error = %v, want ErrLeaseUnknown", err)
	}
}

func TestTaskQueue_FailRedelivers(t *testing.T) {
	tq := NewTaskQueue("test", Config{MaxDeliveries: 3})
	_ = tq.Add(newTask("t1", "wf-1"))

	lease := mustPoll(t, tq)
	if err := tq.Fail("t1", lease.Token, "worker crashed"); err != nil {
		t.Fatalf("Fail error = %v", err)
	}

	lease = mustPoll(t, tq)
	if lease.Deliveries != 2 {
		t.Errorf("deliveries after redelivery = %d, want 2", lease.Deliveries)
	}
}

func TestTaskQueue_DeadLettersAfterMaxDeliveries(t *testing.T) {
	tq := NewTaskQueue("test", Config{MaxDeliveries: 2})
	_ = tq.Add(newTask("t1", "wf-1"))

	for i := 0; i < 2; i++ {
		lease := mustPoll(t, tq)
		if err := tq.Fail("t1", lease.Token, "still broken"); err != nil {
			t.Fatalf("Fail error = %v", err)
		}
	}

	if tq.Depth() != 0 {
		t.Errorf("depth = %d, want 0 after dead-letter", tq.Depth())
	}
	entries := tq.DLQ().List()
	if len(entries) != 1 {
		t.Fatalf("DLQ entries = %d, want 1", len(entries))
	}
	if entries[0].Task.ID != "t1" || entries[0].Deliveries != 2 {
		t.Errorf("DLQ entry = %s/%d, want t1/2", entries[0].Task.ID, entries[0].Deliveries)
	}
	if entries[0].Queue != "test" {
		t.Errorf("DLQ entry queue = %s, want test", entries[0].Queue)
	}
}

func TestTaskQueue_ExpiredLeaseReclaimed(t *testing.T) {
	tq := NewTaskQueue("test", Config{LeaseTimeout: 10 * time.Millisecond, MaxDeliveries: 5})
	_ = tq.Add(newTask("t1", "wf-1"))

	lease := mustPoll(t, tq)
	reclaimed := tq.ReclaimExpired(lease.ExpiresAt.Add(time.Millisecond))
	if reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", reclaimed)
	}

	// The old lease is dead.
	if err := tq.Complete("t1", lease.Token); !errors.Is(err, ErrLeaseUnknown) {
		t.Errorf("Complete after reclaim error = %v, want ErrLeaseUnknown", err)
	}

	next := mustPoll(t, tq)
	if next.Deliveries != 2 {
		t.Errorf("deliveries after reclaim = %d, want 2", next.Deliveries)
	}
}

func TestTaskQueue_PerWorkflowOrder(t *testing.T) {
	tq := NewTaskQueue("test", Config{Partitions: 4})

	for i := 0; i < 5; i++ {
		if err := tq.Add(newTask(fmt.Sprintf("a-%d", i), "wf-a")); err != nil {
			t.Fatalf("Add error = %v", err)
		}
		if err := tq.Add(newTask(fmt.Sprintf("b-%d", i), "wf-b")); err != nil {
			t.Fatalf("Add error = %v", err)
		}
	}

	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		lease := mustPoll(t, tq)
		wf := lease.Task.WorkflowID
		var seq int
		if _, err := fmt.Sscanf(lease.Task.ID, string(wf[3])+"-%d", &seq); err != nil {
			t.Fatalf("unexpected task ID %s", lease.Task.ID)
		}
		if seq != seen[wf] {
			t.Errorf("workflow %s delivered task %d before %d", wf, seq, seen[wf])
		}
		seen[wf]++
		_ = tq.Complete(lease.Task.ID, lease.Token)
	}
}

func TestTaskQueue_BackpressureRejects(t *testing.T) {
	tq := NewTaskQueue("test", Config{SoftLimit: 1, HardLimit: 2})

	if err := tq.Add(newTask("t1", "wf-1")); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if err := tq.Add(newTask("t2", "wf-2")); err != nil {
		t.Fatalf("Add error = %v", err)
	}
	if err := tq.Add(newTask("t3", "wf-3")); !errors.Is(err, ErrBackpressure) {
		t.Errorf("Add over hard limit error = %v, want ErrBackpressure", err)
	}
}

func TestTaskQueue_PollRateLimited(t *testing.T) {
	tq := NewTaskQueue("test", Config{RateLimit: 0.001, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// First poll consumes the burst.
	if _, err := tq.Poll(ctx, "tester"); err != nil {
		t.Fatalf("first Poll error = %v", err)
	}
	if _, err := tq.Poll(context.Background(), "tester"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Poll error = %v, want ErrRateLimited", err)
	}
}

func TestTaskQueue_LongPollGetsLateTask(t *testing.T) {
	tq := NewTaskQueue("test", Config{})

	type result struct {
		lease *Lease
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		lease, err := tq.Poll(ctx, "tester")
		resultCh <- result{lease, err}
	}()

	// Let the poller park before the task arrives.
	deadline := time.Now().Add(time.Second)
	for tq.WaiterCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poller never parked")
		}
		time.Sleep(time.Millisecond)
	}

	if err := tq.Add(newTask("t1", "wf-1")); err != nil {
		t.Fatalf("Add error = %v", err)
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("Poll error = %v", res.err)
	}
	if res.lease == nil || res.lease.Task.ID != "t1" {
		t.Fatalf("Poll lease = %+v, want task t1", res.lease)
	}
}

func TestTaskQueue_EmptyPollReturnsNil(t *testing.T) {
	tq := NewTaskQueue("test", Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	lease, err := tq.Poll(ctx, "tester")
	if err != nil {
		t.Fatalf("Poll error = %v", err)
	}
	if lease != nil {
		t.Errorf("Poll lease = %+v, want nil", lease)
	}
	if tq.WaiterCount() != 0 {
		t.Errorf("waiters = %d, want 0 after timeout", tq.WaiterCount())
	}
}
