package monitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gregLibert/cardterminal/pkg/channel"
	"github.com/gregLibert/cardterminal/pkg/readerevent"
	"github.com/stretchr/testify/require"
)

// recordingSink implements readerevent.EventSink, collecting every posted
// event under a lock for the test goroutine to inspect.
type recordingSink struct {
	mu     sync.Mutex
	events []readerevent.InternalEvent
	posted chan readerevent.InternalEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{posted: make(chan readerevent.InternalEvent, 8)}
}

func (s *recordingSink) PostEvent(event readerevent.InternalEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	s.posted <- event
}

func (s *recordingSink) waitFor(t *testing.T, want readerevent.InternalEvent) {
	t.Helper()
	select {
	case got := <-s.posted:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func (s *recordingSink) requireNoEventWithin(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-s.posted:
		t.Fatalf("expected no event, got %s", got)
	case <-time.After(d):
	}
}

// fakeInsertionWaiter blocks until told to return, either successfully or
// with an error/timeout.
type fakeInsertionWaiter struct {
	result chan error
}

func (w *fakeInsertionWaiter) WaitForCardInsertion(time.Duration) error {
	return <-w.result
}

type fakeRemovalWaiter struct {
	result chan error
}

func (w *fakeRemovalWaiter) WaitForCardRemoval() error {
	return <-w.result
}

// pollingDriver is a channel.ReaderDriver double for the active-polling
// jobs: only presence matters.
type pollingDriver struct {
	present atomic.Bool
}

func (d *pollingDriver) Name() string                       { return "POLL0" }
func (d *pollingDriver) IsCardPresent() bool                { return d.present.Load() }
func (d *pollingDriver) IsCardPresentPing() bool            { return d.present.Load() }
func (d *pollingDriver) OpenPhysicalChannel() error         { return nil }
func (d *pollingDriver) ClosePhysicalChannel() error        { return nil }
func (d *pollingDriver) IsPhysicalChannelOpen() bool        { return true }
func (d *pollingDriver) TransmitAPDU([]byte) ([]byte, error) { return []byte{0x90, 0x00}, nil }
func (d *pollingDriver) GetPowerOnData() ([]byte, error)    { return nil, nil }
func (d *pollingDriver) ActivateProtocol(string) error      { return nil }
func (d *pollingDriver) DeactivateProtocol(string) error    { return nil }

func TestBlockingInsertionJob_PostsCardInsertedOnSuccess(t *testing.T) {
	waiter := &fakeInsertionWaiter{result: make(chan error, 1)}
	sink := newRecordingSink()
	job := NewBlockingInsertionJob(waiter, time.Second, nil, nil)
	handle := job.Start(sink)

	waiter.result <- nil
	sink.waitFor(t, readerevent.CardInserted)
	handle.Join()
}

func TestBlockingInsertionJob_PostsTimeOutOnTimeout(t *testing.T) {
	waiter := &fakeInsertionWaiter{result: make(chan error, 1)}
	sink := newRecordingSink()
	job := NewBlockingInsertionJob(waiter, time.Millisecond, nil, nil)
	handle := job.Start(sink)

	waiter.result <- channel.ErrWaitTimedOut
	sink.waitFor(t, readerevent.TimeOut)
	handle.Join()
}

func TestBlockingInsertionJob_OtherErrorRoutesToOnError(t *testing.T) {
	waiter := &fakeInsertionWaiter{result: make(chan error, 1)}
	sink := newRecordingSink()
	gotErr := make(chan error, 1)
	var gotID uuid.UUID
	job := NewBlockingInsertionJob(waiter, time.Second, nil, func(id uuid.UUID, err error) {
		gotID = id
		gotErr <- err
	})
	handle := job.Start(sink)

	boom := errors.New("line noise")
	waiter.result <- boom

	select {
	case err := <-gotErr:
		require.Equal(t, boom, err)
	case <-time.After(time.Second):
		t.Fatal("onError was never called")
	}
	handle.Join()
	require.Equal(t, handle.ID(), gotID, "onError must receive the failing job's own ID")
}

func TestBlockingInsertionJob_StopSuppressesLateResult(t *testing.T) {
	waiter := &fakeInsertionWaiter{result: make(chan error, 1)}
	sink := newRecordingSink()
	job := NewBlockingInsertionJob(waiter, time.Second, nil, nil)
	handle := job.Start(sink)

	handle.Stop()
	waiter.result <- nil

	handle.Join()
	sink.requireNoEventWithin(t, 50*time.Millisecond)
}

func TestBlockingRemovalJob_PostsCardRemoved(t *testing.T) {
	waiter := &fakeRemovalWaiter{result: make(chan error, 1)}
	sink := newRecordingSink()
	job := NewBlockingRemovalJob(waiter, nil, nil)
	handle := job.Start(sink)

	waiter.result <- nil
	sink.waitFor(t, readerevent.CardRemoved)
	handle.Join()
}

func TestActivePollingInsertionJob_DetectsInsertion(t *testing.T) {
	drv := &pollingDriver{}
	sink := newRecordingSink()
	job := NewActivePollingInsertionJob(drv, 5*time.Millisecond, nil)
	handle := job.Start(sink)

	drv.present.Store(true)
	sink.waitFor(t, readerevent.CardInserted)
	handle.Join()
}

func TestActivePollingRemovalJob_DetectsRemoval(t *testing.T) {
	drv := &pollingDriver{}
	drv.present.Store(true)
	sink := newRecordingSink()
	job := NewActivePollingRemovalJob(drv, 5*time.Millisecond, nil, nil)
	handle := job.Start(sink)

	drv.present.Store(false)
	sink.waitFor(t, readerevent.CardRemoved)
	handle.Join()
}

func TestActivePollingRemovalJob_PausedSkipsProbing(t *testing.T) {
	drv := &pollingDriver{}
	drv.present.Store(true)
	sink := newRecordingSink()
	var paused atomic.Bool
	paused.Store(true)

	job := NewActivePollingRemovalJob(drv, 5*time.Millisecond, nil, &paused)
	handle := job.Start(sink)

	drv.present.Store(false)
	sink.requireNoEventWithin(t, 60*time.Millisecond)

	paused.Store(false)
	sink.waitFor(t, readerevent.CardRemoved)
	handle.Join()
}

func TestJobHandle_StopIsIdempotent(t *testing.T) {
	drv := &pollingDriver{}
	sink := newRecordingSink()
	job := NewActivePollingInsertionJob(drv, 5*time.Millisecond, nil)
	handle := job.Start(sink)

	handle.Stop()
	handle.Stop() // must not panic or block
	handle.Join()

	select {
	case <-handle.Done():
	default:
		t.Fatal("Done channel must be closed after Join returns")
	}
}

type smartDriver struct {
	mu       sync.Mutex
	listener func()
}

func (d *smartDriver) SetCardInsertionListener(cb func()) {
	d.mu.Lock()
	d.listener = cb
	d.mu.Unlock()
}

func (d *smartDriver) ClearCardInsertionListener() {
	d.mu.Lock()
	d.listener = nil
	d.mu.Unlock()
}

func (d *smartDriver) fire() {
	d.mu.Lock()
	cb := d.listener
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func TestSmartInsertionJob_ForwardsCallback(t *testing.T) {
	drv := &smartDriver{}
	sink := newRecordingSink()
	job := NewSmartInsertionJob(drv, nil)
	handle := job.Start(sink)

	drv.fire()
	sink.waitFor(t, readerevent.CardInserted)

	handle.Stop()
	handle.Join()

	drv.mu.Lock()
	listenerCleared := drv.listener == nil
	drv.mu.Unlock()
	require.True(t, listenerCleared, "Stop must clear the driver's insertion listener")
}
