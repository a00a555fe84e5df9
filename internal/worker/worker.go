// Package worker provides background task infrastructure for the gateway.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
	// Name identifies the worker in logs.
	Name() string
}

// Func adapts a plain function into a Worker.
func Func(name string, run func(ctx context.Context) error) Worker {
	return funcWorker{name: name, run: run}
}

type funcWorker struct {
	name string
	run  func(ctx context.Context) error
}

func (w funcWorker) Run(ctx context.Context) error { return w.run(ctx) }
func (w funcWorker) Name() string                  { return w.name }
