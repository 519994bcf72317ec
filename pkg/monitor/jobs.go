package monitor

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gregLibert/cardterminal/pkg/channel"
	"github.com/gregLibert/cardterminal/pkg/logging"
	"github.com/gregLibert/cardterminal/pkg/readerevent"
)

// DefaultActivePollingCycle is the default interval between probes for the
// active-polling removal job, per §4.3.
const DefaultActivePollingCycle = 200 * time.Millisecond

// jobErrorFunc receives the failing job's ID alongside the error, so a
// caller watching several concurrent jobs can tell which one logged it.
type jobErrorFunc func(id uuid.UUID, err error)

func onErrorOrNop(onError jobErrorFunc) jobErrorFunc {
	if onError != nil {
		return onError
	}
	return func(uuid.UUID, error) {}
}

// BlockingInsertionJob calls driver.WaitForCardInsertion and posts
// CardInserted or TimeOut depending on the outcome.
type BlockingInsertionJob struct {
	driver  channel.BlockingInsertionWaiter
	timeout time.Duration
	logger  logging.Logger
	onError jobErrorFunc
}

func NewBlockingInsertionJob(driver channel.BlockingInsertionWaiter, timeout time.Duration, logger logging.Logger, onError jobErrorFunc) *BlockingInsertionJob {
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &BlockingInsertionJob{driver: driver, timeout: timeout, logger: logger, onError: onErrorOrNop(onError)}
}

func (j *BlockingInsertionJob) Start(sink readerevent.EventSink) *JobHandle {
	h := newJobHandle()

	go func() {
		defer close(h.doneCh)

		err := j.driver.WaitForCardInsertion(j.timeout)

		select {
		case <-h.stopCh:
			return
		default:
		}

		switch {
		case err == channel.ErrWaitTimedOut:
			sink.PostEvent(readerevent.TimeOut)
		case err != nil:
			j.logger.Error("job %s: blocking insertion wait failed: %v", h.id, err)
			j.onError(h.id, err)
		default:
			sink.PostEvent(readerevent.CardInserted)
		}
	}()

	return h
}

// BlockingRemovalJob calls driver.WaitForCardRemoval and posts CardRemoved.
type BlockingRemovalJob struct {
	driver  channel.BlockingRemovalWaiter
	logger  logging.Logger
	onError jobErrorFunc
}

func NewBlockingRemovalJob(driver channel.BlockingRemovalWaiter, logger logging.Logger, onError jobErrorFunc) *BlockingRemovalJob {
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &BlockingRemovalJob{driver: driver, logger: logger, onError: onErrorOrNop(onError)}
}

func (j *BlockingRemovalJob) Start(sink readerevent.EventSink) *JobHandle {
	h := newJobHandle()

	go func() {
		defer close(h.doneCh)

		err := j.driver.WaitForCardRemoval()

		select {
		case <-h.stopCh:
			return
		default:
		}

		if err != nil {
			j.logger.Error("job %s: blocking removal wait failed: %v", h.id, err)
			j.onError(h.id, err)
			return
		}
		sink.PostEvent(readerevent.CardRemoved)
	}()

	return h
}

// ActivePollingInsertionJob probes driver.IsCardPresent every cycle and
// posts CardInserted the first time it reports true.
type ActivePollingInsertionJob struct {
	driver channel.ReaderDriver
	cycle  time.Duration
	logger logging.Logger
}

func NewActivePollingInsertionJob(driver channel.ReaderDriver, cycle time.Duration, logger logging.Logger) *ActivePollingInsertionJob {
	if cycle <= 0 {
		cycle = DefaultActivePollingCycle
	}
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &ActivePollingInsertionJob{driver: driver, cycle: cycle, logger: logger}
}

func (j *ActivePollingInsertionJob) Start(sink readerevent.EventSink) *JobHandle {
	h := newJobHandle()

	go func() {
		defer close(h.doneCh)

		ticker := time.NewTicker(j.cycle)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				if j.driver.IsCardPresent() {
					sink.PostEvent(readerevent.CardInserted)
					return
				}
			}
		}
	}()

	return h
}

// ActivePollingRemovalJob sends a neutral ping every cycle via
// driver.IsCardPresentPing and posts CardRemoved on the first failure. While
// Paused is set (typically for the duration of WAIT_FOR_SE_PROCESSING) it
// skips probing entirely, since the physical channel is shared with the
// selection pipeline and must not be interleaved with the pipeline's own
// APDUs.
type ActivePollingRemovalJob struct {
	driver channel.ReaderDriver
	cycle  time.Duration
	logger logging.Logger
	Paused *atomic.Bool
}

func NewActivePollingRemovalJob(driver channel.ReaderDriver, cycle time.Duration, logger logging.Logger, paused *atomic.Bool) *ActivePollingRemovalJob {
	if cycle <= 0 {
		cycle = DefaultActivePollingCycle
	}
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &ActivePollingRemovalJob{driver: driver, cycle: cycle, logger: logger, Paused: paused}
}

func (j *ActivePollingRemovalJob) Start(sink readerevent.EventSink) *JobHandle {
	h := newJobHandle()

	go func() {
		defer close(h.doneCh)

		ticker := time.NewTicker(j.cycle)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				if j.Paused != nil && j.Paused.Load() {
					continue
				}
				if !j.driver.IsCardPresentPing() {
					sink.PostEvent(readerevent.CardRemoved)
					return
				}
			}
		}
	}()

	return h
}

// SmartInsertionJob registers a callback with a driver capable of notifying
// insertion itself; it never polls or blocks on its own.
type SmartInsertionJob struct {
	driver channel.InsertionListenerRegistrar
	logger logging.Logger
}

func NewSmartInsertionJob(driver channel.InsertionListenerRegistrar, logger logging.Logger) *SmartInsertionJob {
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &SmartInsertionJob{driver: driver, logger: logger}
}

func (j *SmartInsertionJob) Start(sink readerevent.EventSink) *JobHandle {
	h := newJobHandle()

	j.driver.SetCardInsertionListener(func() {
		select {
		case <-h.stopCh:
			return
		default:
		}
		sink.PostEvent(readerevent.CardInserted)
	})

	go func() {
		defer close(h.doneCh)
		<-h.stopCh
		j.driver.ClearCardInsertionListener()
	}()

	return h
}
