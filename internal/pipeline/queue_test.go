package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hwdeboer1977/algostrats/internal/model"
)

func TestQueueRunsJobsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	started := make(chan struct{})

	queue, err := NewQueue("deposit", func(_ context.Context, job Job) error {
		if job.ID == "0xaa" {
			<-started
		}
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	queue.Enqueue(ctx, Job{ID: "0xaa", Kind: KindDeposit})
	queue.Enqueue(ctx, Job{ID: "0xbb", Kind: KindDeposit})
	queue.Enqueue(ctx, Job{ID: "0xcc", Kind: KindDeposit})
	close(started)
	queue.Wait()

	want := []string{"0xaa", "0xbb", "0xcc"}
	if len(order) != len(want) {
		t.Fatalf("ran %d jobs, want %d", len(order), len(want))
	}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], id)
		}
	}
}

func TestQueueDropsDuplicateIDs(t *testing.T) {
	runs := make(map[string]int)
	var mu sync.Mutex

	queue, err := NewQueue("deposit", func(_ context.Context, job Job) error {
		mu.Lock()
		runs[job.ID]++
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	queue.Enqueue(ctx, Job{ID: "0xaa", Kind: KindDeposit})
	queue.Wait()
	queue.Enqueue(ctx, Job{ID: "0xaa", Kind: KindDeposit})
	queue.Enqueue(ctx, Job{ID: "0xbb", Kind: KindDeposit})
	queue.Wait()

	if runs["0xaa"] != 1 {
		t.Fatalf("job 0xaa ran %d times, want 1", runs["0xaa"])
	}
	if runs["0xbb"] != 1 {
		t.Fatalf("job 0xbb ran %d times, want 1", runs["0xbb"])
	}
}

func TestQueueOneRunPerTransaction(t *testing.T) {
	// Two matching logs in the same transaction must collapse to a single
	// pipeline run: job identity is the transaction hash, not the log.
	first := model.LogEvent{TxHash: "0xabc123", LogIndex: 0}
	second := model.LogEvent{TxHash: "0xabc123", LogIndex: 1}

	jobA := NewJob(KindDeposit, first, nil)
	jobB := NewJob(KindDeposit, second, nil)
	if jobA.ID != jobB.ID {
		t.Fatalf("jobs from the same tx got distinct ids: %s vs %s", jobA.ID, jobB.ID)
	}
	if jobA.ID != "0xabc123" {
		t.Fatalf("job id = %s, want the transaction hash", jobA.ID)
	}

	runs := 0
	var mu sync.Mutex
	queue, err := NewQueue("deposit", func(_ context.Context, _ Job) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	queue.Enqueue(ctx, jobA)
	queue.Enqueue(ctx, jobB)
	queue.Wait()

	if runs != 1 {
		t.Fatalf("pipeline ran %d times for one transaction, want 1", runs)
	}
}

func TestQueueFailureDoesNotBlockNextJob(t *testing.T) {
	var mu sync.Mutex
	var ran []string

	queue, err := NewQueue("withdraw", func(_ context.Context, job Job) error {
		mu.Lock()
		ran = append(ran, job.ID)
		mu.Unlock()
		if job.ID == "0xbad" {
			return fmt.Errorf("venue rejected order")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	queue.Enqueue(ctx, Job{ID: "0xbad", Kind: KindWithdraw})
	queue.Enqueue(ctx, Job{ID: "0xgood", Kind: KindWithdraw})
	queue.Wait()

	if len(ran) != 2 || ran[1] != "0xgood" {
		t.Fatalf("ran = %v, want the failed job followed by the next one", ran)
	}
}

func TestQueueCancelDropsQueuedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var mu sync.Mutex
	var ran []string

	queue, err := NewQueue("deposit", func(_ context.Context, job Job) error {
		if job.ID == "0xfirst" {
			<-release
		}
		mu.Lock()
		ran = append(ran, job.ID)
		mu.Unlock()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	queue.Enqueue(ctx, Job{ID: "0xfirst", Kind: KindDeposit})
	queue.Enqueue(ctx, Job{ID: "0xsecond", Kind: KindDeposit})
	cancel()
	close(release)

	done := make(chan struct{})
	go func() {
		queue.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("queue did not drain after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 1 || ran[0] != "0xfirst" {
		t.Fatalf("ran = %v, want only the in-flight job", ran)
	}
}
