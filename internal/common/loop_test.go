package common

import (
	"context"
	"testing"
	"time"
)

func TestRunChained_StopsAfterCancelBetweenCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var intervals []time.Duration
	sleep := func(c context.Context, d time.Duration) error {
		intervals = append(intervals, d)
		return c.Err()
	}

	cycles := 0
	RunChained(ctx, 5*time.Second, sleep, func(cycleCtx context.Context) {
		cycles++
		if cycles == 3 {
			cancel()
			if cycleCtx.Err() != nil {
				t.Fatalf("cycle context must survive shutdown")
			}
		}
	})

	if cycles != 3 {
		t.Fatalf("expected 3 cycles, got %d", cycles)
	}
	if len(intervals) != 3 || intervals[0] != 5*time.Second {
		t.Fatalf("unexpected sleeps %v", intervals)
	}
}

func TestRunChained_SurvivesPanickingCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycles := 0
	RunChained(ctx, time.Second, NoSleep, func(context.Context) {
		cycles++
		switch cycles {
		case 1:
			panic("boom")
		case 3:
			cancel()
		}
	})

	if cycles != 3 {
		t.Fatalf("loop must keep running after a panic, cycles=%d", cycles)
	}
}

func TestSleep_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); err == nil {
		t.Fatalf("expected context error")
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}
