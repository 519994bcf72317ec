package reader

import (
	"sync"
	"testing"
	"time"

	"github.com/gregLibert/cardterminal/pkg/observation"
	"github.com/gregLibert/cardterminal/pkg/readerevent"
	"github.com/stretchr/testify/require"
)

// stubDriver is a minimal channel.ReaderDriver double whose presence can be
// flipped from the test goroutine; every other operation is a no-op success.
type stubDriver struct {
	mu      sync.Mutex
	present bool
}

func (d *stubDriver) setPresent(v bool) {
	d.mu.Lock()
	d.present = v
	d.mu.Unlock()
}

func (d *stubDriver) Name() string { return "STUB0" }

func (d *stubDriver) IsCardPresent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present
}
func (d *stubDriver) IsCardPresentPing() bool { return d.IsCardPresent() }

func (d *stubDriver) OpenPhysicalChannel() error  { return nil }
func (d *stubDriver) ClosePhysicalChannel() error { return nil }
func (d *stubDriver) IsPhysicalChannelOpen() bool { return true }

func (d *stubDriver) TransmitAPDU([]byte) ([]byte, error) { return []byte{0x6A, 0x82}, nil }
func (d *stubDriver) GetPowerOnData() ([]byte, error)     { return []byte{0x3B, 0x00}, nil }

func (d *stubDriver) ActivateProtocol(string) error   { return nil }
func (d *stubDriver) DeactivateProtocol(string) error { return nil }

func newTestReader(strategy MonitoringStrategy, dispatcher *observation.Dispatcher) (*Reader, *stubDriver) {
	drv := &stubDriver{}
	r := NewReader(Config{
		PluginName:         "test",
		Name:               drv.Name(),
		Driver:             drv,
		Dispatcher:         dispatcher,
		Strategy:           strategy,
		ActivePollingCycle: 10 * time.Millisecond,
	})
	return r, drv
}

func TestReader_InitialState(t *testing.T) {
	r, _ := newTestReader(ActivePollingJobs, nil)
	require.Equal(t, readerevent.WaitForStartDetection, r.State())
}

func TestPostEvent_UnhandledEventIsNoOp(t *testing.T) {
	r, _ := newTestReader(ActivePollingJobs, nil)
	r.PostEvent(readerevent.CardInserted) // not valid from WAIT_FOR_START_DETECTION
	require.Equal(t, readerevent.WaitForStartDetection, r.State())
}

func TestPostEvent_StartDetectMovesToWaitInsert(t *testing.T) {
	r, _ := newTestReader(ActivePollingJobs, nil)
	r.PostEvent(readerevent.StartDetect)
	require.Equal(t, readerevent.WaitForSEInsertion, r.State())
	r.StopDetection()
}

func TestPostEvent_StopDetectFromWaitInsertReturnsToWaitStart(t *testing.T) {
	r, _ := newTestReader(ActivePollingJobs, nil)
	r.PostEvent(readerevent.StartDetect)
	r.PostEvent(readerevent.StopDetect)
	require.Equal(t, readerevent.WaitForStartDetection, r.State())
}

func TestPostEvent_TimeOutFromWaitInsertReturnsToWaitStartAndReportsException(t *testing.T) {
	var reported error
	var mu sync.Mutex
	dispatcher := observation.NewDispatcher(func(_, _ string, err error) {
		mu.Lock()
		reported = err
		mu.Unlock()
	}, nil)
	defer dispatcher.Close()

	r, _ := newTestReader(ActivePollingJobs, dispatcher)
	r.PostEvent(readerevent.StartDetect)
	r.PostEvent(readerevent.TimeOut)

	require.Equal(t, readerevent.WaitForStartDetection, r.State())
	mu.Lock()
	defer mu.Unlock()
	require.ErrorIs(t, reported, errTimeout)
}

func TestPostEvent_CardProcessedAlwaysGoesToWaitRemove(t *testing.T) {
	// Scenarios S4/S5: both REPEATING and SINGLESHOT pass through
	// WAIT_FOR_SE_REMOVAL unconditionally after CARD_PROCESSED.
	for _, mode := range []readerevent.DetectionMode{readerevent.Repeating, readerevent.SingleShot} {
		r, _ := newTestReader(ActivePollingJobs, nil)
		r.StartDetection(mode, nil)
		r.PostEvent(readerevent.CardInserted)
		r.PostEvent(readerevent.CardProcessed)
		require.Equal(t, readerevent.WaitForSERemoval, r.State())
		r.StopDetection()
	}
}

func TestPostEvent_CardRemovedBranchesOnDetectionMode(t *testing.T) {
	r, _ := newTestReader(ActivePollingJobs, nil)
	r.StartDetection(readerevent.Repeating, nil)
	r.PostEvent(readerevent.CardInserted)
	r.PostEvent(readerevent.CardProcessed)
	r.PostEvent(readerevent.CardRemoved)
	require.Equal(t, readerevent.WaitForSEInsertion, r.State(), "REPEATING loops back to wait for the next card")
	r.StopDetection()

	r2, _ := newTestReader(ActivePollingJobs, nil)
	r2.StartDetection(readerevent.SingleShot, nil)
	r2.PostEvent(readerevent.CardInserted)
	r2.PostEvent(readerevent.CardProcessed)
	r2.PostEvent(readerevent.CardRemoved)
	require.Equal(t, readerevent.WaitForStartDetection, r2.State(), "SINGLESHOT returns to idle")
}

func TestPostEvent_StopDetectFromWaitRemoveReturnsToWaitStart(t *testing.T) {
	r, _ := newTestReader(ActivePollingJobs, nil)
	r.StartDetection(readerevent.Repeating, nil)
	r.PostEvent(readerevent.CardInserted)
	r.PostEvent(readerevent.CardProcessed)
	require.Equal(t, readerevent.WaitForSERemoval, r.State())

	r.StopDetection()
	require.Equal(t, readerevent.WaitForStartDetection, r.State())
}

// TestReader_FullCycleWithActivePolling exercises the real monitoring jobs
// end to end: a driver goroutine flips presence, the active-polling jobs
// detect it, and the dispatcher receives CARD_INSERTED then CARD_REMOVED.
func TestReader_FullCycleWithActivePolling(t *testing.T) {
	var events []observation.ReaderEventKind
	var mu sync.Mutex
	inserted := make(chan struct{})
	removed := make(chan struct{})

	obs := &observerFunc{fn: func(e observation.ReaderEvent) error {
		mu.Lock()
		events = append(events, e.Kind)
		mu.Unlock()
		switch e.Kind {
		case observation.CardInserted:
			close(inserted)
		case observation.CardRemoved:
			close(removed)
		}
		return nil
	}}

	dispatcher := observation.NewDispatcher(nil, nil)
	dispatcher.AddObserver(obs)
	defer dispatcher.Close()

	r, drv := newTestReader(ActivePollingJobs, dispatcher)
	r.StartDetection(readerevent.SingleShot, nil)

	drv.setPresent(true)

	select {
	case <-inserted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CARD_INSERTED")
	}

	require.Eventually(t, func() bool {
		return r.State() == readerevent.WaitForSERemoval
	}, time.Second, 10*time.Millisecond)

	drv.setPresent(false)

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CARD_REMOVED")
	}

	require.Eventually(t, func() bool {
		return r.State() == readerevent.WaitForStartDetection
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []observation.ReaderEventKind{observation.CardInserted, observation.CardRemoved}, events)
}

// observerFunc is a pointer-identity Observer wrapping a plain function;
// pointer identity keeps it usable as a Dispatcher map key.
type observerFunc struct {
	fn func(observation.ReaderEvent) error
}

func (o *observerFunc) OnReaderEvent(e observation.ReaderEvent) error { return o.fn(e) }
