// Command demo-observable drives the reader observation state machine
// against a simulated driver instead of real hardware: a goroutine inserts
// and removes a virtual card, the reader's monitoring jobs and selection
// pipeline react to it, and a console observer prints every lifecycle
// event as it's dispatched.
package main

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gregLibert/cardterminal/pkg/card"
	"github.com/gregLibert/cardterminal/pkg/channel"
	"github.com/gregLibert/cardterminal/pkg/config"
	"github.com/gregLibert/cardterminal/pkg/logging"
	"github.com/gregLibert/cardterminal/pkg/observation"
	"github.com/gregLibert/cardterminal/pkg/reader"
	"github.com/gregLibert/cardterminal/pkg/readerevent"
	"github.com/gregLibert/cardterminal/pkg/registry"
	"github.com/gregLibert/cardterminal/pkg/selection"
)

var demoAID = []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10}

const pluginName = "demo"

func main() {
	logger := logging.GetDefault()
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid default configuration: %v", err)
	}

	drv := newSimulatedDriver("SIM0", []byte{0x3B, 0x00})

	dispatcher := observation.NewDispatcher(func(plugin, readerName string, err error) {
		fmt.Printf("[exception] %s/%s: %v\n", plugin, readerName, err)
	}, logger)
	dispatcher.AddObserver(&consoleObserver{})

	r := reader.NewReader(reader.Config{
		PluginName:               pluginName,
		Name:                     drv.Name(),
		Driver:                   drv,
		Dispatcher:               dispatcher,
		Strategy:                 strategyFromConfig(cfg.Monitoring.Strategy),
		Logger:                   logger,
		ActivePollingCycle:       cfg.Monitoring.ActivePollingCycle(),
		BlockingInsertionTimeout: cfg.Monitoring.BlockingInsertionTimeout(),
	})

	reg := registry.New()
	reg.Register(pluginName, r)

	active, err := reg.GetReader(pluginName, drv.Name())
	if err != nil {
		log.Fatalf("reader lookup failed right after registration: %v", err)
	}

	mode := selectionModeFromConfig(cfg.Selection.DefaultMode)
	scenario := func() (*selection.Pipeline, error) {
		pipeline := selection.NewPipeline(mode, logger)
		err := pipeline.PrepareSelection(card.CardSelectionRequest{
			Selector: card.CardSelector{
				AID:             demoAID,
				FileOccurrence:  card.FileOccurrenceFirst,
				FileControlInfo: card.FileControlInfoFCI,
			},
		})
		return pipeline, err
	}

	active.StartDetection(readerevent.Repeating, scenario)

	go func() {
		time.Sleep(1 * time.Second)
		fmt.Println(">> inserting simulated card")
		drv.setPresent(true)

		time.Sleep(2 * time.Second)
		fmt.Println(">> removing simulated card")
		drv.setPresent(false)
	}()

	time.Sleep(4 * time.Second)

	active.StopDetection()
	reg.Unregister(pluginName, drv.Name())
	if err := dispatcher.Close(); err != nil {
		fmt.Printf("dispatcher close: %v\n", err)
	}
}

// strategyFromConfig maps the YAML-facing strategy name onto the typed
// enum NewReader expects. config.Validate has already rejected anything
// outside this set.
func strategyFromConfig(name string) reader.MonitoringStrategy {
	switch strings.ToLower(name) {
	case "active_polling":
		return reader.ActivePollingJobs
	case "smart_insertion":
		return reader.SmartInsertionJobs
	default: // "blocking"
		return reader.BlockingJobs
	}
}

func selectionModeFromConfig(name string) selection.MultiSelectionProcessing {
	if strings.ToLower(name) == "process_all" {
		return selection.ProcessAll
	}
	return selection.FirstMatch
}

// consoleObserver prints every reader lifecycle event.
type consoleObserver struct{}

func (*consoleObserver) OnReaderEvent(event observation.ReaderEvent) error {
	fmt.Printf("[event] plugin=%s reader=%s kind=%s", event.PluginName, event.ReaderName, event.Kind)
	if event.ScenarioResult != nil && event.ScenarioResult.ActiveIndex != nil {
		fmt.Printf(" active_index=%d", *event.ScenarioResult.ActiveIndex)
	}
	fmt.Println()
	return nil
}

// simulatedDriver is a minimal in-memory channel.ReaderDriver: it answers a
// SELECT for demoAID with success, everything else with "file not found",
// and exposes setPresent for a test/demo goroutine to simulate insertion and
// removal.
type simulatedDriver struct {
	name string
	atr  []byte

	mu           chan struct{} // binary semaphore; avoids importing sync for one bool
	present      bool
	physicalOpen bool
}

func newSimulatedDriver(name string, atr []byte) *simulatedDriver {
	d := &simulatedDriver{name: name, atr: atr, mu: make(chan struct{}, 1)}
	d.mu <- struct{}{}
	return d
}

func (d *simulatedDriver) lock()   { <-d.mu }
func (d *simulatedDriver) unlock() { d.mu <- struct{}{} }

func (d *simulatedDriver) setPresent(present bool) {
	d.lock()
	d.present = present
	d.unlock()
}

func (d *simulatedDriver) Name() string { return d.name }

func (d *simulatedDriver) IsCardPresent() bool {
	d.lock()
	defer d.unlock()
	return d.present
}

func (d *simulatedDriver) IsCardPresentPing() bool {
	return d.IsCardPresent()
}

func (d *simulatedDriver) OpenPhysicalChannel() error {
	d.lock()
	defer d.unlock()
	if !d.present {
		return fmt.Errorf("no card present")
	}
	d.physicalOpen = true
	return nil
}

func (d *simulatedDriver) ClosePhysicalChannel() error {
	d.lock()
	defer d.unlock()
	d.physicalOpen = false
	return nil
}

func (d *simulatedDriver) IsPhysicalChannelOpen() bool {
	d.lock()
	defer d.unlock()
	return d.physicalOpen
}

func (d *simulatedDriver) GetPowerOnData() ([]byte, error) {
	if !d.IsCardPresent() {
		return nil, fmt.Errorf("no card present")
	}
	return d.atr, nil
}

func (d *simulatedDriver) ActivateProtocol(protocol string) error   { return nil }
func (d *simulatedDriver) DeactivateProtocol(protocol string) error { return nil }

// TransmitAPDU recognizes only a bare SELECT by AID; anything else (wrong
// AID, any other instruction) gets 6A82 "file not found".
func (d *simulatedDriver) TransmitAPDU(apdu []byte) ([]byte, error) {
	if !d.IsCardPresent() {
		return nil, fmt.Errorf("no card present")
	}
	if len(apdu) < 5 || apdu[1] != 0xA4 {
		return []byte{0x6A, 0x82}, nil
	}

	lc := int(apdu[4])
	if len(apdu) < 5+lc {
		return []byte{0x6A, 0x82}, nil
	}
	aid := apdu[5 : 5+lc]
	if string(aid) != string(demoAID) {
		return []byte{0x6A, 0x82}, nil
	}

	// FCI template (tag '6F') wrapping a DF name (tag '84') for the demo AID.
	fci := append([]byte{0x6F, byte(2 + len(demoAID)), 0x84, byte(len(demoAID))}, demoAID...)
	return append(fci, 0x90, 0x00), nil
}

var _ channel.ReaderDriver = (*simulatedDriver)(nil)
