package selection

import (
	"errors"
	"testing"

	"github.com/gregLibert/cardterminal/pkg/card"
	"github.com/gregLibert/cardterminal/pkg/channel"
	"github.com/gregLibert/cardterminal/pkg/logging"
	"github.com/stretchr/testify/require"
)

// fakeDriver is a channel.ReaderDriver double that answers SELECT-by-AID
// with a canned status word and can be made to fail its next transmit, to
// exercise the pipeline's CardCommunicationError recovery path.
type fakeDriver struct {
	powerOnData []byte
	open        bool

	aidStatusWord map[string]uint16
	aidData       map[string][]byte
	failNext      bool
	failWith      error
	transmits     int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		powerOnData:   []byte{0x3B, 0x00},
		aidStatusWord: map[string]uint16{},
	}
}

func (d *fakeDriver) Name() string { return "FAKE0" }

func (d *fakeDriver) IsCardPresent() bool     { return true }
func (d *fakeDriver) IsCardPresentPing() bool { return true }

func (d *fakeDriver) OpenPhysicalChannel() error {
	d.open = true
	return nil
}
func (d *fakeDriver) ClosePhysicalChannel() error {
	d.open = false
	return nil
}
func (d *fakeDriver) IsPhysicalChannelOpen() bool { return d.open }

func (d *fakeDriver) GetPowerOnData() ([]byte, error) { return d.powerOnData, nil }

func (d *fakeDriver) ActivateProtocol(string) error   { return nil }
func (d *fakeDriver) DeactivateProtocol(string) error { return nil }

func (d *fakeDriver) TransmitAPDU(apdu []byte) ([]byte, error) {
	d.transmits++
	if d.failNext {
		d.failNext = false
		return nil, d.failWith
	}

	if len(apdu) < 5 || apdu[1] != 0xA4 {
		return []byte{0x6A, 0x82}, nil
	}
	lc := int(apdu[4])
	aid := string(apdu[5 : 5+lc])

	sw, ok := d.aidStatusWord[aid]
	if !ok {
		sw = 0x6A82
	}
	resp := append(append([]byte(nil), d.aidData[aid]...), byte(sw>>8), byte(sw))
	return resp, nil
}

func newTestController(d *fakeDriver) *channel.Controller {
	return channel.NewController(d, logging.GetDefault())
}

func selectorFor(aid string) card.CardSelectionRequest {
	return card.CardSelectionRequest{
		Selector: card.CardSelector{
			AID:             []byte(aid),
			FileOccurrence:  card.FileOccurrenceFirst,
			FileControlInfo: card.FileControlInfoFCI,
		},
	}
}

func TestProcessScenario_RejectsEmptyScenario(t *testing.T) {
	p := NewPipeline(FirstMatch, nil)
	_, err := p.ProcessScenario(newTestController(newFakeDriver()))
	require.Error(t, err)
	var illegal *card.IllegalState
	require.ErrorAs(t, err, &illegal)
}

func TestProcessScenario_ConsumesPipeline(t *testing.T) {
	d := newFakeDriver()
	d.aidStatusWord["A"] = 0x9000
	p := NewPipeline(FirstMatch, nil)
	require.NoError(t, p.PrepareSelection(selectorFor("A")))

	_, err := p.ProcessScenario(newTestController(d))
	require.NoError(t, err)

	err = p.PrepareSelection(selectorFor("B"))
	require.Error(t, err)
	var illegal *card.IllegalState
	require.ErrorAs(t, err, &illegal)
}

func TestProcessScenario_ProcessAllRejectsNonAIDSelector(t *testing.T) {
	p := NewPipeline(ProcessAll, nil)
	require.NoError(t, p.PrepareSelection(card.CardSelectionRequest{Selector: card.CardSelector{}}))

	_, err := p.ProcessScenario(newTestController(newFakeDriver()))
	require.Error(t, err)
	var illegal *card.IllegalState
	require.ErrorAs(t, err, &illegal)
}

func TestProcessScenario_FirstMatchStopsEarly(t *testing.T) {
	d := newFakeDriver()
	d.aidStatusWord["B"] = 0x9000

	p := NewPipeline(FirstMatch, nil)
	require.NoError(t, p.PrepareSelection(selectorFor("A")))
	require.NoError(t, p.PrepareSelection(selectorFor("B")))
	require.NoError(t, p.PrepareSelection(selectorFor("C")))

	result, err := p.ProcessScenario(newTestController(d))
	require.NoError(t, err)

	_, matchedA := result.SmartCards[0]
	require.False(t, matchedA)
	sc, matchedB := result.SmartCards[1]
	require.True(t, matchedB)
	require.Equal(t, uint8(1), sc.Index)
	_, matchedC := result.SmartCards[2]
	require.False(t, matchedC, "selector C must never run after B matched in FIRST_MATCH mode")
}

func TestProcessScenario_ProcessAllRunsEverySelector(t *testing.T) {
	d := newFakeDriver()
	d.aidStatusWord["A"] = 0x9000
	d.aidStatusWord["C"] = 0x9000

	p := NewPipeline(ProcessAll, nil)
	require.NoError(t, p.PrepareSelection(selectorFor("A")))
	require.NoError(t, p.PrepareSelection(selectorFor("B")))
	require.NoError(t, p.PrepareSelection(selectorFor("C")))

	result, err := p.ProcessScenario(newTestController(d))
	require.NoError(t, err)

	_, matchedA := result.SmartCards[0]
	_, matchedB := result.SmartCards[1]
	_, matchedC := result.SmartCards[2]
	require.True(t, matchedA)
	require.False(t, matchedB)
	require.True(t, matchedC)
}

func TestProcessScenario_ClosesChannelOnNoMatch(t *testing.T) {
	d := newFakeDriver()
	p := NewPipeline(FirstMatch, nil)
	require.NoError(t, p.PrepareSelection(selectorFor("A")))

	ctrl := newTestController(d)
	_, err := ctrl.TransmitCardRequest(&card.CardRequest{}, card.KeepOpen)
	require.NoError(t, err)
	require.True(t, d.open)

	_, err = p.ProcessScenario(ctrl)
	require.NoError(t, err)
	require.False(t, d.open, "channel must close when nothing matched")
}

func TestProcessScenario_ParsesFCIOnMatch(t *testing.T) {
	d := newFakeDriver()
	d.aidStatusWord["A"] = 0x9000
	// FCI template (tag '6F') wrapping a DF name (tag '84').
	d.aidData = map[string][]byte{"A": {0x6F, 0x03, 0x84, 0x01, 'A'}}

	p := NewPipeline(FirstMatch, nil)
	require.NoError(t, p.PrepareSelection(selectorFor("A")))

	result, err := p.ProcessScenario(newTestController(d))
	require.NoError(t, err)

	sc, matched := result.SmartCards[0]
	require.True(t, matched)
	require.NotNil(t, sc.Response.FCI, "a matched selector's FCI must be parsed from the SELECT response")
	require.Equal(t, []byte("A"), sc.Response.FCI.DFName())
}

func TestProcessScenario_RecoverableCommunicationErrorContinuesScenario(t *testing.T) {
	d := newFakeDriver()
	d.aidStatusWord["B"] = 0x9000
	d.failNext = true
	d.failWith = errors.New("transient line noise")

	p := NewPipeline(ProcessAll, nil)
	require.NoError(t, p.PrepareSelection(selectorFor("A")))
	require.NoError(t, p.PrepareSelection(selectorFor("B")))

	result, err := p.ProcessScenario(newTestController(d))
	require.NoError(t, err, "a recoverable CardCommunicationError on selector A must not abort selector B")

	_, matchedA := result.SmartCards[0]
	sc, matchedB := result.SmartCards[1]
	require.False(t, matchedA)
	require.True(t, matchedB)
	require.Equal(t, uint8(1), sc.Index)
}
