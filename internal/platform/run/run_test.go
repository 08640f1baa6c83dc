package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func blockingTask(name string, stopped *[]string, mu *sync.Mutex) Task {
	return Task{
		Name: name,
		Start: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Stop: func(context.Context) error {
			mu.Lock()
			*stopped = append(*stopped, name)
			mu.Unlock()
			return nil
		},
	}
}

func TestRun_FailingTaskStopsOthers(t *testing.T) {
	var mu sync.Mutex
	var stopped []string

	failing := Task{
		Name:  "failing",
		Start: func(context.Context) error { return errors.New("boom") },
	}
	code := New(zap.NewNop()).Run(context.Background(), blockingTask("a", &stopped, &mu), failing, blockingTask("b", &stopped, &mu))
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if len(stopped) != 2 || stopped[0] != "b" || stopped[1] != "a" {
		t.Fatalf("expected reverse stop order [b a], got %v", stopped)
	}
}

func TestRun_ContextCancelIsClean(t *testing.T) {
	var mu sync.Mutex
	var stopped []string

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	code := New(zap.NewNop()).Run(ctx, blockingTask("a", &stopped, &mu))
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if len(stopped) != 1 {
		t.Fatalf("expected stop to be called once, got %v", stopped)
	}
}
