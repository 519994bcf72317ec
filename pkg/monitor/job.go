// Package monitor implements the reader's background monitoring jobs:
// blocking insertion/removal waits, active-polling insertion/removal, and
// smart (callback-driven) insertion. Each variant is started against an
// event sink and returns a JobHandle used to stop it.
package monitor

import (
	"sync"

	"github.com/google/uuid"
)

// JobHandle is returned by every job's Start method. Stop is idempotent and
// non-blocking; Done/Join let a caller wait for the job's goroutine to
// actually exit. The contract mirrors a cancellable future: stop()
// eventually causes join() to return in bounded time.
type JobHandle struct {
	id       uuid.UUID
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newJobHandle() *JobHandle {
	return &JobHandle{
		id:     uuid.New(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// ID identifies this job instance for log correlation.
func (h *JobHandle) ID() uuid.UUID {
	return h.id
}

// Stop requests cancellation. Idempotent: calling it more than once, or
// before the job has produced any event, has the same effect as calling it
// once.
func (h *JobHandle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

// Stopped is closed once Stop has been called.
func (h *JobHandle) Stopped() <-chan struct{} {
	return h.stopCh
}

// Done is closed once the job's goroutine has exited, whether because it
// was stopped or because it produced its terminal event.
func (h *JobHandle) Done() <-chan struct{} {
	return h.doneCh
}

// Join blocks until the job's goroutine has exited.
func (h *JobHandle) Join() {
	<-h.doneCh
}
