package common

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/pkg/logger"
)

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep returns immediately. Used in tests to skip pacing delays.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// RunChained runs cycle, waits interval after it returns, and repeats until ctx is done.
// The next cycle is scheduled only after the previous one completed, so cycles never overlap.
// cycle receives a context that is not cancelled by ctx: a shutdown lets the running cycle
// finish and stops the loop before the next one. A panicking cycle is logged and counts as
// a finished one.
func RunChained(ctx context.Context, interval time.Duration, sleep SleepFunc, cycle func(cycleCtx context.Context)) {
	if sleep == nil {
		sleep = Sleep
	}
	detached := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		runCycle(detached, cycle)
		if err := sleep(ctx, interval); err != nil {
			return
		}
	}
}

func runCycle(ctx context.Context, cycle func(cycleCtx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Component("loop").WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("cycle panicked")
		}
	}()
	cycle(ctx)
}
