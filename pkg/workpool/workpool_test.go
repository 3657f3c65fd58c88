package workpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	const limit = 4
	const tasks = 40

	p := New(context.Background(), limit)
	var current, max int64

	for i := 0; i < tasks; i++ {
		p.Go(func(ctx context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				m := atomic.LoadInt64(&max)
				if n <= m || atomic.CompareAndSwapInt64(&max, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if max > limit {
		t.Fatalf("observed %d concurrent tasks, want at most %d", max, limit)
	}
}

func TestPoolPropagatesFirstError(t *testing.T) {
	p := New(context.Background(), 2)
	wantErr := errors.New("task failed")

	p.Go(func(ctx context.Context) error {
		return wantErr
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := p.Wait(); !errors.Is(err, wantErr) {
		t.Fatalf("Wait() = %v, want %v", err, wantErr)
	}
}

func TestPoolsWaitReportsEitherPool(t *testing.T) {
	wantErr := errors.New("directory walk failed")
	pools := NewPools(context.Background(), 2, 2)

	pools.Dirs.Go(func(ctx context.Context) error { return wantErr })
	pools.Files.Go(func(ctx context.Context) error { return nil })

	if err := pools.Wait(); !errors.Is(err, wantErr) {
		t.Fatalf("Wait() = %v, want %v", err, wantErr)
	}
}

func TestDefaultLimit(t *testing.T) {
	cases := []struct {
		cores int
		want  int64
	}{
		{cores: 1, want: 4},
		{cores: 8, want: 32},
		{cores: 64, want: 64},
		{cores: 0, want: 1},
	}
	for _, c := range cases {
		if got := DefaultLimit(c.cores); got != c.want {
			t.Errorf("DefaultLimit(%d) = %d, want %d", c.cores, got, c.want)
		}
	}
}
