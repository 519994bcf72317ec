package reader

import "github.com/gregLibert/cardterminal/pkg/readerevent"

// State is a tagged variant of the reader's observation state machine.
// Transitions are total functions from (State, Event) to State: an
// unhandled event is a no-op that returns the receiver unchanged, never a
// panic. OnActivate/OnDeactivate must never block — they only start or stop
// a monitoring job, never wait on one.
type State interface {
	Name() readerevent.MonitoringState
	OnActivate(r *Reader)
	OnDeactivate(r *Reader)
	Handle(r *Reader, event readerevent.InternalEvent) State
}

// The four states are stateless singletons: the job each state owns while
// active lives on the Reader itself (r.activeJob), guarded by the Reader's
// single mutex, not on the state value.
var (
	WaitStart   State = waitStartState{}
	WaitInsert  State = waitInsertState{}
	WaitProcess State = waitProcessState{}
	WaitRemove  State = waitRemoveState{}
)

type waitStartState struct{}

func (waitStartState) Name() readerevent.MonitoringState { return readerevent.WaitForStartDetection }
func (waitStartState) OnActivate(r *Reader)               {}
func (waitStartState) OnDeactivate(r *Reader)              {}

func (s waitStartState) Handle(r *Reader, event readerevent.InternalEvent) State {
	if event == readerevent.StartDetect {
		return WaitInsert
	}
	return s
}

type waitInsertState struct{}

func (waitInsertState) Name() readerevent.MonitoringState { return readerevent.WaitForSEInsertion }

func (waitInsertState) OnActivate(r *Reader) {
	r.startInsertionJob()
}

func (waitInsertState) OnDeactivate(r *Reader) {
	r.stopActiveJob()
}

func (s waitInsertState) Handle(r *Reader, event readerevent.InternalEvent) State {
	switch event {
	case readerevent.CardInserted:
		return WaitProcess
	case readerevent.StopDetect:
		return WaitStart
	case readerevent.TimeOut:
		r.notifyTimeout()
		return WaitStart
	default:
		return s
	}
}

type waitProcessState struct{}

func (waitProcessState) Name() readerevent.MonitoringState { return readerevent.WaitForSEProcessing }

func (waitProcessState) OnActivate(r *Reader) {
	// The shared physical channel must not be probed by a removal job while
	// a selection scenario is in flight. Under this state machine no removal
	// job is actually running at this point (it only starts in WaitRemove),
	// but the flag is the defensive mechanism §5 asks for in case that ever
	// changes.
	r.pauseRemovalPolling()

	// Running the scenario here would block inside the state-transition
	// critical section. Spawn it instead; it posts CARD_PROCESSED itself
	// once done, from its own goroutine, outside any lock.
	go r.runProcessing()
}

func (waitProcessState) OnDeactivate(r *Reader) {
	r.resumeRemovalPolling()
}

func (s waitProcessState) Handle(r *Reader, event readerevent.InternalEvent) State {
	switch event {
	case readerevent.CardProcessed:
		// Worked scenarios S4/S5 both show the reader passing through
		// WAIT_FOR_SE_REMOVAL unconditionally after processing; the
		// REPEATING/SINGLESHOT branch is applied on the subsequent
		// CARD_REMOVED instead.
		return WaitRemove
	case readerevent.CardRemoved:
		r.notifyRemoved()
		return r.nextAfterRemoval()
	default:
		return s
	}
}

type waitRemoveState struct{}

func (waitRemoveState) Name() readerevent.MonitoringState { return readerevent.WaitForSERemoval }

func (waitRemoveState) OnActivate(r *Reader) {
	r.startRemovalJob()
}

func (waitRemoveState) OnDeactivate(r *Reader) {
	r.stopActiveJob()
}

func (s waitRemoveState) Handle(r *Reader, event readerevent.InternalEvent) State {
	switch event {
	case readerevent.CardRemoved:
		r.notifyRemoved()
		return r.nextAfterRemoval()
	case readerevent.StopDetect:
		return WaitStart
	default:
		return s
	}
}
