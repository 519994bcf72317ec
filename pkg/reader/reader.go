// Package reader implements the observable reader: a four-state machine
// tracking card insertion, application processing, and removal, driving
// monitoring jobs (pkg/monitor) and publishing lifecycle events through an
// observation dispatcher (pkg/observation).
package reader

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gregLibert/cardterminal/pkg/card"
	"github.com/gregLibert/cardterminal/pkg/channel"
	"github.com/gregLibert/cardterminal/pkg/logging"
	"github.com/gregLibert/cardterminal/pkg/monitor"
	"github.com/gregLibert/cardterminal/pkg/observation"
	"github.com/gregLibert/cardterminal/pkg/readerevent"
	"github.com/gregLibert/cardterminal/pkg/selection"
)

// MonitoringStrategy selects which family of monitoring jobs a Reader uses.
// A Reader falls back to active polling for whichever direction (insertion
// or removal) its driver doesn't support the requested strategy for.
type MonitoringStrategy int

const (
	BlockingJobs MonitoringStrategy = iota
	ActivePollingJobs
	SmartInsertionJobs
)

var errTimeout = errors.New("card insertion wait timed out")

// Config configures a new Reader.
type Config struct {
	PluginName string
	Name       string
	Driver     channel.ReaderDriver
	Dispatcher *observation.Dispatcher
	Strategy   MonitoringStrategy
	Logger     logging.Logger

	BlockingInsertionTimeout time.Duration
	ActivePollingCycle       time.Duration
}

// Reader is the observable reader. A single mutex guards exactly the state,
// the active job handle, and the detection mode, per §5: its critical
// sections never perform blocking I/O.
type Reader struct {
	pluginName string
	name       string
	driver     channel.ReaderDriver
	ctrl       *channel.Controller
	dispatcher *observation.Dispatcher
	strategy   MonitoringStrategy
	logger     logging.Logger

	blockingInsertionTimeout time.Duration
	activePollingCycle       time.Duration

	mu                sync.Mutex
	state             State
	activeJob         *monitor.JobHandle
	detectionMode     readerevent.DetectionMode
	scheduledScenario func() (*selection.Pipeline, error)

	removalPollPaused atomic.Bool
}

// NewReader constructs a Reader in WAIT_FOR_START_DETECTION.
func NewReader(cfg Config) *Reader {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetDefault()
	}
	timeout := cfg.BlockingInsertionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cycle := cfg.ActivePollingCycle
	if cycle <= 0 {
		cycle = monitor.DefaultActivePollingCycle
	}

	return &Reader{
		pluginName:               cfg.PluginName,
		name:                     cfg.Name,
		driver:                   cfg.Driver,
		ctrl:                     channel.NewController(cfg.Driver, logger),
		dispatcher:               cfg.Dispatcher,
		strategy:                 cfg.Strategy,
		logger:                   logger,
		blockingInsertionTimeout: timeout,
		activePollingCycle:       cycle,
		state:                    WaitStart,
		detectionMode:            readerevent.SingleShot,
	}
}

// Name returns the reader's name, as published in ReaderEvents.
func (r *Reader) Name() string { return r.name }

// PluginName returns the owning plugin's name, as published in ReaderEvents.
func (r *Reader) PluginName() string { return r.pluginName }

// ChannelController exposes the reader's channel controller, e.g. for a
// selection pipeline run outside of observation mode.
func (r *Reader) ChannelController() *channel.Controller { return r.ctrl }

// Driver exposes the underlying ReaderDriver.
func (r *Reader) Driver() channel.ReaderDriver { return r.driver }

// State reports the current monitoring state.
func (r *Reader) State() readerevent.MonitoringState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Name()
}

// StartDetection begins observing the reader for card insertion under the
// given detection mode. scenario, if non-nil, is called fresh on every
// CARD_INSERTED to build the selection pipeline to run against the card; a
// nil scenario means "just notify CARD_INSERTED".
func (r *Reader) StartDetection(mode readerevent.DetectionMode, scenario func() (*selection.Pipeline, error)) {
	r.mu.Lock()
	r.detectionMode = mode
	r.scheduledScenario = scenario
	r.mu.Unlock()

	r.PostEvent(readerevent.StartDetect)
}

// StopDetection posts STOP_DETECT: the current state is deactivated (which
// stops its job) and the reader returns to idle.
func (r *Reader) StopDetection() {
	r.PostEvent(readerevent.StopDetect)
}

// PostEvent drives the state machine with a single event. It implements
// readerevent.EventSink so monitoring jobs can report back directly.
func (r *Reader) PostEvent(event readerevent.InternalEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldState := r.state
	newState := oldState.Handle(r, event)
	if newState == oldState {
		return
	}

	oldState.OnDeactivate(r)
	r.state = newState
	newState.OnActivate(r)
}

func (r *Reader) stopActiveJob() {
	if r.activeJob != nil {
		r.activeJob.Stop()
		r.activeJob = nil
	}
}

func (r *Reader) startInsertionJob() {
	switch r.strategy {
	case ActivePollingJobs:
		job := monitor.NewActivePollingInsertionJob(r.driver, r.activePollingCycle, r.logger)
		r.activeJob = job.Start(r)

	case SmartInsertionJobs:
		reg, ok := r.driver.(channel.InsertionListenerRegistrar)
		if !ok {
			r.logger.Warn("reader %q: driver has no insertion listener, falling back to active polling", r.name)
			job := monitor.NewActivePollingInsertionJob(r.driver, r.activePollingCycle, r.logger)
			r.activeJob = job.Start(r)
			return
		}
		job := monitor.NewSmartInsertionJob(reg, r.logger)
		r.activeJob = job.Start(r)

	default: // BlockingJobs
		waiter, ok := r.driver.(channel.BlockingInsertionWaiter)
		if !ok {
			r.logger.Warn("reader %q: driver cannot block on insertion, falling back to active polling", r.name)
			job := monitor.NewActivePollingInsertionJob(r.driver, r.activePollingCycle, r.logger)
			r.activeJob = job.Start(r)
			return
		}
		job := monitor.NewBlockingInsertionJob(waiter, r.blockingInsertionTimeout, r.logger, r.onMonitoringJobError)
		r.activeJob = job.Start(r)
	}
}

func (r *Reader) startRemovalJob() {
	if r.strategy == BlockingJobs {
		if waiter, ok := r.driver.(channel.BlockingRemovalWaiter); ok {
			job := monitor.NewBlockingRemovalJob(waiter, r.logger, r.onMonitoringJobError)
			r.activeJob = job.Start(r)
			return
		}
		r.logger.Warn("reader %q: driver cannot block on removal, falling back to active polling", r.name)
	}

	job := monitor.NewActivePollingRemovalJob(r.driver, r.activePollingCycle, r.logger, &r.removalPollPaused)
	r.activeJob = job.Start(r)
}

func (r *Reader) pauseRemovalPolling()  { r.removalPollPaused.Store(true) }
func (r *Reader) resumeRemovalPolling() { r.removalPollPaused.Store(false) }

func (r *Reader) nextAfterRemoval() State {
	if r.detectionMode == readerevent.Repeating {
		return WaitInsert
	}
	return WaitStart
}

func (r *Reader) notifyTimeout() {
	r.reportJobError(errTimeout)
}

func (r *Reader) notifyRemoved() {
	r.publish(observation.CardRemoved, nil)
}

func (r *Reader) reportJobError(err error) {
	if r.dispatcher != nil {
		r.dispatcher.ReportException(r.pluginName, r.name, err)
	}
}

// onMonitoringJobError is the jobErrorFunc handed to the blocking monitoring
// jobs: it logs the failing job's ID for correlation before routing the
// error through the same exception path every other job failure uses.
func (r *Reader) onMonitoringJobError(id uuid.UUID, err error) {
	r.logger.Error("reader %q: monitoring job %s failed: %v", r.name, id, err)
	r.reportJobError(err)
}

func (r *Reader) publish(kind observation.ReaderEventKind, result *card.CardSelectionResult) {
	if r.dispatcher == nil {
		return
	}
	r.dispatcher.Publish(observation.ReaderEvent{
		PluginName:     r.pluginName,
		ReaderName:     r.name,
		Kind:           kind,
		ScenarioResult: result,
	})
}

// runProcessing executes the scheduled selection scenario, if any, and
// always eventually posts CARD_PROCESSED. It is spawned by
// waitProcessState.OnActivate specifically so its blocking APDU exchanges
// never run inside the state-machine's critical section.
func (r *Reader) runProcessing() {
	r.mu.Lock()
	scenario := r.scheduledScenario
	ctrl := r.ctrl
	r.mu.Unlock()

	defer r.PostEvent(readerevent.CardProcessed)

	if scenario == nil {
		r.publish(observation.CardInserted, nil)
		return
	}

	pipeline, err := scenario()
	if err != nil {
		r.logger.Error("reader %q: failed to build selection scenario: %v", r.name, err)
		r.reportJobError(err)
		return
	}

	result, err := pipeline.ProcessScenario(ctrl)
	if err != nil {
		r.logger.Error("reader %q: selection scenario failed: %v", r.name, err)
		r.reportJobError(err)
		return
	}

	if len(result.SmartCards) > 0 {
		r.publish(observation.CardMatched, result)
		return
	}
	r.publish(observation.CardInserted, result)
}
