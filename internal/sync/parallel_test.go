package sync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParallelCollectPreservesOrder(t *testing.T) {
	t.Parallel()

	items := []int{5, 1, 4, 2, 3}
	results, err := ParallelCollect(context.Background(), items, 3, func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * 10, nil
	}, nil)
	if err != nil {
		t.Fatalf("ParallelCollect: %v", err)
	}
	for i, got := range results {
		if got != items[i]*10 {
			t.Fatalf("results[%d] = %d, want %d", i, got, items[i]*10)
		}
	}
}

func TestParallelCollectReportsFirstRealError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var progressed int64
	_, err := ParallelCollect(context.Background(), []int{1, 2, 3, 4}, 1, func(ctx context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n, ctx.Err()
	}, func(done, _ int64) { progressed = done })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if progressed != 1 {
		t.Fatalf("progress = %d, want 1", progressed)
	}
}

func TestParallelCollectEmpty(t *testing.T) {
	t.Parallel()

	results, err := ParallelCollect(context.Background(), []string(nil), 4, func(context.Context, string) (int, error) {
		return 0, nil
	}, nil)
	if err != nil || results != nil {
		t.Fatalf("got %v, %v", results, err)
	}
}
