package viewmodel

import (
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gooroom/viewer-installer/internal/logging"
)

// TaskKind names the worker behind a Task.
type TaskKind string

const (
	TaskDownload TaskKind = "download"
	TaskInstall  TaskKind = "install"
)

// Task is the handle for one background worker. The model keeps every
// Task it starts and waits for them in Close.
type Task struct {
	kind TaskKind
	done chan struct{}
}

func newTask(kind TaskKind) *Task {
	return &Task{kind: kind, done: make(chan struct{})}
}

// Kind reports whether this is a download or install worker.
func (t *Task) Kind() TaskKind { return t.kind }

// Done is closed when the worker has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the worker has returned.
func (t *Task) Wait() { <-t.done }

func (t *Task) running() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// attempt is the cooperative abort flag shared between the model and a
// worker. Workers check it at their checkpoints.
type attempt struct {
	id      string
	aborted atomic.Bool
	log     *slog.Logger
}

func newAttempt(kind TaskKind) *attempt {
	id := uuid.NewString()
	return &attempt{
		id:  id,
		log: logging.WithAttempt(log, id, string(kind)),
	}
}

func (a *attempt) abort() {
	if a != nil {
		a.aborted.Store(true)
	}
}

func (a *attempt) isAborted() bool {
	return a != nil && a.aborted.Load()
}
