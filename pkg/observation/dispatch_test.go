package observation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// orderedObserver records every event's Kind in the order it received them,
// under its own lock, so the test goroutine can read it safely.
type orderedObserver struct {
	mu   sync.Mutex
	seen []ReaderEventKind
}

func (o *orderedObserver) OnReaderEvent(e ReaderEvent) error {
	o.mu.Lock()
	o.seen = append(o.seen, e.Kind)
	o.mu.Unlock()
	return nil
}

func (o *orderedObserver) snapshot() []ReaderEventKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]ReaderEventKind, len(o.seen))
	copy(cp, o.seen)
	return cp
}

func TestDispatcher_DeliversInOrderPerObserver(t *testing.T) {
	d := NewDispatcher(nil, nil)
	obs := &orderedObserver{}
	d.AddObserver(obs)

	d.Publish(ReaderEvent{Kind: CardInserted})
	d.Publish(ReaderEvent{Kind: CardMatched})
	d.Publish(ReaderEvent{Kind: CardRemoved})

	require.NoError(t, d.Close())
	require.Equal(t, []ReaderEventKind{CardInserted, CardMatched, CardRemoved}, obs.snapshot())
}

func TestDispatcher_FanOutToMultipleObservers(t *testing.T) {
	d := NewDispatcher(nil, nil)
	a := &orderedObserver{}
	b := &orderedObserver{}
	d.AddObserver(a)
	d.AddObserver(b)
	require.Equal(t, uint32(2), d.CountObservers())

	d.Publish(ReaderEvent{Kind: CardInserted})
	require.NoError(t, d.Close())

	require.Equal(t, []ReaderEventKind{CardInserted}, a.snapshot())
	require.Equal(t, []ReaderEventKind{CardInserted}, b.snapshot())
}

func TestDispatcher_ObserverErrorRoutesToExceptionHandler(t *testing.T) {
	var mu sync.Mutex
	var gotPlugin, gotReader string
	var gotErr error
	handled := make(chan struct{})

	d := NewDispatcher(func(pluginName, readerName string, err error) {
		mu.Lock()
		gotPlugin, gotReader, gotErr = pluginName, readerName, err
		mu.Unlock()
		close(handled)
	}, nil)

	failing := &observerFunc{fn: func(ReaderEvent) error { return errors.New("boom") }}
	d.AddObserver(failing)

	d.Publish(ReaderEvent{PluginName: "plugin-a", ReaderName: "reader-a", Kind: CardInserted})

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("exception handler was never invoked")
	}

	require.NoError(t, d.Close())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "plugin-a", gotPlugin)
	require.Equal(t, "reader-a", gotReader)
	require.EqualError(t, gotErr, "boom")
}

func TestDispatcher_ObserverPanicIsIsolated(t *testing.T) {
	handled := make(chan error, 1)
	d := NewDispatcher(func(_, _ string, err error) {
		handled <- err
	}, nil)

	survivor := &orderedObserver{}
	panicking := &observerFunc{fn: func(ReaderEvent) error { panic("observer exploded") }}

	d.AddObserver(panicking)
	d.AddObserver(survivor)

	d.Publish(ReaderEvent{Kind: CardMatched})

	select {
	case err := <-handled:
		require.Contains(t, err.Error(), "observer panic")
	case <-time.After(time.Second):
		t.Fatal("panic was never reported through the exception handler")
	}

	require.NoError(t, d.Close())
	require.Equal(t, []ReaderEventKind{CardMatched}, survivor.snapshot())
}

func TestDispatcher_ReportExceptionForwardsToHandler(t *testing.T) {
	handled := make(chan error, 1)
	d := NewDispatcher(func(_, _ string, err error) {
		handled <- err
	}, nil)

	jobErr := errors.New("monitoring job failed")
	d.ReportException("plugin-a", "reader-a", jobErr)

	select {
	case err := <-handled:
		require.Equal(t, jobErr, err)
	case <-time.After(time.Second):
		t.Fatal("ReportException never reached the exception handler")
	}
}

func TestDispatcher_AddObserverAfterCloseIsNoOp(t *testing.T) {
	d := NewDispatcher(nil, nil)
	require.NoError(t, d.Close())

	obs := &orderedObserver{}
	d.AddObserver(obs)
	require.Equal(t, uint32(0), d.CountObservers())
}

// observerFunc is a pointer-identity Observer wrapping a plain function;
// pointer identity keeps it usable as a Dispatcher map key (a bare func
// value is not comparable and would panic there).
type observerFunc struct {
	fn func(ReaderEvent) error
}

func (o *observerFunc) OnReaderEvent(e ReaderEvent) error { return o.fn(e) }
