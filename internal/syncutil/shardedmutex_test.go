package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShardedMutex_SerializesSameID(t *testing.T) {
	var m ShardedMutex
	var mu sync.Mutex
	inside, maxInside := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), 42)
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d holders at once", maxInside)
	}
}

func TestShardedMutex_ContextCancel(t *testing.T) {
	var m ShardedMutex
	unlock, err := m.Lock(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, 7); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestShardedMutex_UnlockIsIdempotent(t *testing.T) {
	var m ShardedMutex
	unlock, _ := m.Lock(context.Background(), 1)
	unlock()
	unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	again, err := m.Lock(ctx, 1)
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	again()
}

func TestShardIndex_InRange(t *testing.T) {
	for _, id := range []int64{0, 1, 2, 255, 256, 1 << 40, -1} {
		if idx := shardIndex(id); idx >= shardCount {
			t.Fatalf("shardIndex(%d) = %d out of range", id, idx)
		}
	}
}
