package store

import (
	"context"
	"runtime/debug"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

// Worker runs posted tasks one at a time, in posting order, on a single background goroutine.
// Post never blocks, the queue is unbounded.
type Worker struct {
	lock   sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	group  *syncs.SizedGroup
}

// NewWorker makes and starts worker
func NewWorker() *Worker {
	w := &Worker{wake: make(chan struct{}, 1), group: syncs.NewSizedGroup(1)}
	w.group.Go(func(context.Context) { w.loop() })
	return w
}

// Post queues task, returns false if worker is closed
func (w *Worker) Post(task func()) bool {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return false
	}
	w.tasks = append(w.tasks, task)
	w.lock.Unlock()
	w.signal()
	return true
}

// Close stops accepting tasks, waits for queued ones to complete. Safe to call multiple times
func (w *Worker) Close() {
	w.lock.Lock()
	w.closed = true
	w.lock.Unlock()
	w.signal()
	w.group.Wait()
}

func (w *Worker) loop() {
	for {
		w.lock.Lock()
		tasks, closed := w.tasks, w.closed
		w.tasks = nil
		w.lock.Unlock()

		for _, task := range tasks {
			w.run(task)
		}
		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

// run executes task, a panic is logged and doesn't stop the worker
func (w *Worker) run(task func()) {
	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] background task panic: %v\n%s", x, debug.Stack())
		}
	}()
	task()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
