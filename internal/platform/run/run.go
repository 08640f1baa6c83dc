package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Task is a long-running component. Start blocks until ctx is done or the
// component fails; Stop is optional and receives a bounded context.
type Task struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

type Runner struct {
	Logger          *zap.Logger
	ShutdownTimeout time.Duration
}

func New(log *zap.Logger) *Runner {
	return &Runner{Logger: log, ShutdownTimeout: 10 * time.Second}
}

// WithSignals runs tasks until SIGINT/SIGTERM or the first task failure
// and returns the process exit code.
func (r *Runner) WithSignals(tasks ...Task) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.Run(ctx, tasks...)
}

type taskResult struct {
	name string
	err  error
}

func (r *Runner) Run(ctx context.Context, tasks ...Task) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan taskResult, len(tasks))
	for _, t := range tasks {
		go func(t Task) {
			results <- taskResult{name: t.Name, err: t.Start(ctx)}
		}(t)
	}

	code := 0
	select {
	case <-ctx.Done():
		r.Logger.Info("shutdown signal received")
	case res := <-results:
		if isCleanExit(res.err) {
			r.Logger.Info("task finished", zap.String("task", res.name))
		} else {
			r.Logger.Error("task exited with error", zap.String("task", res.name), zap.Error(res.err))
			code = 1
		}
	}
	cancel()
	r.stopAll(tasks)
	return code
}

func (r *Runner) stopAll(tasks []Task) {
	timeout := r.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.Stop == nil {
			continue
		}
		if err := t.Stop(c); err != nil && !isCleanExit(err) {
			r.Logger.Warn("task stop failed", zap.String("task", t.Name), zap.Error(err))
		}
	}
}

func isCleanExit(err error) bool {
	return err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled)
}

func Exit(code int) {
	os.Exit(code)
}
