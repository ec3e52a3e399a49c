package eventq

import (
	"sync"
	"testing"
)

func TestRunsInOrderAndFinalIsLast(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var got []int
	record := func(i int) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		}
	}
	block := make(chan struct{})
	q.Post(func() { <-block })
	for i := 0; i < 5; i++ {
		q.Post(record(i))
	}
	close(block)
	q.Stop(record(99))
	q.Post(record(100))
	q.Stop(record(101))
	<-q.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[len(got)-1] != 99 {
		t.Fatalf("expected the final callback last, got %v", got)
	}
	for i := 1; i < len(got)-1; i++ {
		if got[i] != got[i-1]+1 {
			t.Fatalf("callbacks ran out of order: %v", got)
		}
	}
}

func TestStopDropsQueuedWork(t *testing.T) {
	q := New()
	block := make(chan struct{})
	ran := make(chan int, 10)
	q.Post(func() { <-block })
	q.Post(func() { ran <- 1 })
	q.Stop(func() { ran <- 2 })
	close(block)
	<-q.Done()
	close(ran)
	var got []int
	for v := range ran {
		got = append(got, v)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only the final callback, got %v", got)
	}
}
