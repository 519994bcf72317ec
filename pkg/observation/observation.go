// Package observation implements the observer registry and event dispatch
// for observable readers: a thread-safe registry delivering ReaderEvents to
// each observer in order, with a caller-supplied exception handler isolating
// one observer's failure from the rest.
package observation

import (
	"fmt"
	"sync"

	"github.com/gregLibert/cardterminal/pkg/card"
	"github.com/gregLibert/cardterminal/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// ReaderEventKind is the kind of lifecycle event published to observers.
type ReaderEventKind int

const (
	CardInserted ReaderEventKind = iota
	CardMatched
	CardRemoved
	Unavailable
)

func (k ReaderEventKind) String() string {
	switch k {
	case CardInserted:
		return "CARD_INSERTED"
	case CardMatched:
		return "CARD_MATCHED"
	case CardRemoved:
		return "CARD_REMOVED"
	case Unavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// ReaderEvent is delivered to every registered observer.
type ReaderEvent struct {
	PluginName     string
	ReaderName     string
	Kind           ReaderEventKind
	ScenarioResult *card.CardSelectionResult
}

// Observer is the typed capability an observable reader's subscribers
// implement: a single method receiving lifecycle events.
type Observer interface {
	OnReaderEvent(event ReaderEvent) error
}

// ExceptionHandler is notified when an observer's OnReaderEvent call fails
// or panics. It never disables the reader.
type ExceptionHandler func(pluginName, readerName string, err error)

type observerEntry struct {
	ch chan ReaderEvent
}

const observerQueueDepth = 32

// Dispatcher maintains a set of observers and delivers events to each of
// them on its own goroutine, via a bounded channel. Delivery to one observer
// is strictly ordered; delivery across observers may interleave. A full
// queue applies backpressure to Publish rather than dropping an event —
// reader lifecycle events are too significant to discard silently.
//
// Observer values are used as map keys, so implementations should be
// pointer types (or otherwise comparable) to support RemoveObserver.
type Dispatcher struct {
	mu               sync.Mutex
	observers        map[Observer]*observerEntry
	exceptionHandler ExceptionHandler
	logger           logging.Logger
	group            *errgroup.Group
	closed           bool
}

// NewDispatcher creates a Dispatcher. A nil exceptionHandler means observer
// errors are only logged. A nil logger falls back to the package default.
func NewDispatcher(exceptionHandler ExceptionHandler, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &Dispatcher{
		observers:        make(map[Observer]*observerEntry),
		exceptionHandler: exceptionHandler,
		logger:           logger,
		group:            &errgroup.Group{},
	}
}

// AddObserver registers o. A no-op if o is already registered or the
// dispatcher has been closed.
func (d *Dispatcher) AddObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if _, exists := d.observers[o]; exists {
		return
	}

	entry := &observerEntry{ch: make(chan ReaderEvent, observerQueueDepth)}
	d.observers[o] = entry

	d.group.Go(func() error {
		d.drain(o, entry)
		return nil
	})
}

// RemoveObserver unregisters o, if present.
func (d *Dispatcher) RemoveObserver(o Observer) {
	d.mu.Lock()
	entry, ok := d.observers[o]
	if ok {
		delete(d.observers, o)
	}
	d.mu.Unlock()

	if ok {
		close(entry.ch)
	}
}

// ClearObservers unregisters every observer.
func (d *Dispatcher) ClearObservers() {
	d.mu.Lock()
	entries := d.observers
	d.observers = make(map[Observer]*observerEntry)
	d.mu.Unlock()

	for _, e := range entries {
		close(e.ch)
	}
}

// ReportException forwards err to the configured exception handler, if any.
// Monitoring jobs use this to report failures through the same channel as
// observer failures, per the propagation policy: errors during a monitoring
// job are caught and forwarded, never left to corrupt reader state.
func (d *Dispatcher) ReportException(pluginName, readerName string, err error) {
	if d.exceptionHandler != nil {
		d.exceptionHandler(pluginName, readerName, err)
	}
}

// CountObservers reports how many observers are currently registered.
func (d *Dispatcher) CountObservers() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(len(d.observers))
}

// Publish delivers event to every currently registered observer. It blocks
// until the event has been queued for each of them.
func (d *Dispatcher) Publish(event ReaderEvent) {
	d.mu.Lock()
	entries := make([]*observerEntry, 0, len(d.observers))
	for _, e := range d.observers {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	for _, e := range entries {
		e.ch <- event
	}
}

// Close stops accepting new observers and waits for every observer's drain
// goroutine to finish processing its queued events.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	entries := d.observers
	d.observers = make(map[Observer]*observerEntry)
	d.mu.Unlock()

	for _, e := range entries {
		close(e.ch)
	}
	return d.group.Wait()
}

func (d *Dispatcher) drain(o Observer, entry *observerEntry) {
	for event := range entry.ch {
		d.invoke(o, event)
	}
}

func (d *Dispatcher) invoke(o Observer, event ReaderEvent) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("observer panic: %v", r)
			d.logger.Error("observer %T panicked handling %s: %v", o, event.Kind, r)
			if d.exceptionHandler != nil {
				d.exceptionHandler(event.PluginName, event.ReaderName, err)
			}
		}
	}()

	if err := o.OnReaderEvent(event); err != nil {
		d.logger.Warn("observer %T returned error for %s: %v", o, event.Kind, err)
		if d.exceptionHandler != nil {
			d.exceptionHandler(event.PluginName, event.ReaderName, err)
		}
	}
}
