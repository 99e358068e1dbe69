package framequeue_test

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/framequeue"
	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

func desc(seq int) hal.FrameDescriptor {
	return hal.FrameDescriptor{Role: hal.RoleVideo, Index: seq}
}

func TestPushPopFIFO(t *testing.T) {
	q := framequeue.New(4)

	for i := 0; i < 4; i++ {
		if err := q.Push(desc(i)); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if err := q.Push(desc(99)); !errors.Is(err, framequeue.ErrQueueFull) {
		t.Fatalf("Push on full ring err = %v, want ErrQueueFull", err)
	}

	for i := 0; i < 4; i++ {
		d, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() returned cancelled")
		}
		if d.Index != i {
			t.Errorf("Pop() = %d, want %d", d.Index, i)
		}
	}

	stats := q.Stats()
	if stats.Pushed != 4 || stats.Popped != 4 || stats.Rejected != 1 || stats.Pending != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := framequeue.New(2)

	got := make(chan int, 1)
	go func() {
		d, _ := q.Pop()
		got <- d.Index
	}()

	select {
	case <-got:
		t.Fatal("Pop() returned on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(desc(7))

	select {
	case v := <-got:
		if v != 7 {
			t.Errorf("Pop() = %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop() not woken by Push")
	}
}

func TestCancelWakesPop(t *testing.T) {
	q := framequeue.New(2)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Cancel()

	select {
	case ok := <-done:
		if ok {
			t.Errorf("Pop() after Cancel returned ok=true")
		}
	case <-time.After(time.Second):
		t.Fatal("Cancel did not wake Pop")
	}

	// Still cancelled: Pop must not block.
	if _, ok := q.Pop(); ok {
		t.Errorf("Pop() on cancelled queue returned ok=true")
	}

	q.Reset()
	q.Push(desc(1))
	if d, ok := q.Pop(); !ok || d.Index != 1 {
		t.Errorf("Pop() after Reset = (%d, %v), want (1, true)", d.Index, ok)
	}
}

func TestFlushReleasesPending(t *testing.T) {
	q := framequeue.New(8)
	for i := 0; i < 5; i++ {
		q.Push(desc(i))
	}
	q.Pop()

	var released []int
	n := q.Flush(func(d hal.FrameDescriptor) { released = append(released, d.Index) })
	if n != 4 {
		t.Fatalf("Flush() = %d, want 4", n)
	}
	for i, v := range released {
		if v != i+1 {
			t.Errorf("released[%d] = %d, want %d", i, v, i+1)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Flush", q.Len())
	}
}

// TestFIFOUnderConcurrentFlush pushes a sequence from one goroutine while
// another pops and a third flushes. Popped values must be strictly
// increasing, and popped plus flushed must equal pushed exactly once each.
func TestFIFOUnderConcurrentFlush(t *testing.T) {
	const total = 20000
	q := framequeue.New(9)

	var (
		mu      sync.Mutex
		flushed = make(map[int]int)
	)

	var wg sync.WaitGroup
	popped := make([]int, 0, total)

	// Consumer
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			d, ok := q.Pop()
			if !ok {
				return
			}
			popped = append(popped, d.Index)
		}
	}()

	// Flusher
	stopFlush := make(chan struct{})
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		for {
			select {
			case <-stopFlush:
				return
			default:
			}
			q.Flush(func(d hal.FrameDescriptor) {
				mu.Lock()
				flushed[d.Index]++
				mu.Unlock()
			})
			runtime.Gosched()
		}
	}()

	// Producer
	for i := 0; i < total; i++ {
		for q.Push(desc(i)) != nil {
			runtime.Gosched()
		}
	}

	close(stopFlush)
	<-flushDone

	// Let the consumer drain what is left, then stop it.
	deadline := time.Now().Add(5 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		runtime.Gosched()
	}
	q.Cancel()
	wg.Wait()

	seen := make(map[int]int)
	for i, v := range popped {
		if i > 0 && v <= popped[i-1] {
			t.Fatalf("FIFO violated: popped[%d]=%d after %d", i, v, popped[i-1])
		}
		seen[v]++
	}
	for v, n := range flushed {
		seen[v] += n
	}

	for i := 0; i < total; i++ {
		if seen[i] != 1 {
			t.Fatalf("value %d delivered %d times (want exactly once)", i, seen[i])
		}
	}

	t.Logf("✅ %d pushed: %d popped in order, %d flushed", total, len(popped), len(flushed))
}
