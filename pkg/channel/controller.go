package channel

import (
	"sync"

	"github.com/gregLibert/cardterminal/pkg/card"
	"github.com/gregLibert/cardterminal/pkg/logging"
)

// Controller wraps a ReaderDriver and tracks two flags: whether the
// physical channel is open (delegated to the driver) and whether the
// logical channel is open (tracked here, reset whenever the physical
// channel closes).
type Controller struct {
	driver ReaderDriver
	logger logging.Logger

	mu                 sync.Mutex
	logicalChannelOpen bool
}

// NewController wraps driver. A nil logger falls back to the package
// default.
func NewController(driver ReaderDriver, logger logging.Logger) *Controller {
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &Controller{driver: driver, logger: logger}
}

// Driver exposes the wrapped ReaderDriver, e.g. for the selection pipeline
// to read power-on data directly.
func (c *Controller) Driver() ReaderDriver {
	return c.driver
}

// IsPhysicalChannelOpen reports the driver's current physical channel
// state.
func (c *Controller) IsPhysicalChannelOpen() bool {
	return c.driver.IsPhysicalChannelOpen()
}

// IsLogicalChannelOpen reports whether the last transmission left a logical
// channel open.
func (c *Controller) IsLogicalChannelOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logicalChannelOpen
}

// EnsurePhysicalChannelOpen opens the physical channel if it isn't already.
func (c *Controller) EnsurePhysicalChannelOpen() error {
	if c.driver.IsPhysicalChannelOpen() {
		return nil
	}
	if err := c.driver.OpenPhysicalChannel(); err != nil {
		return card.NewReaderCommunicationError(c.driver.Name(), err)
	}
	return nil
}

// ClosePhysicalChannel closes the physical channel and resets the logical
// channel flag. A no-op if already closed.
func (c *Controller) ClosePhysicalChannel() error {
	if !c.driver.IsPhysicalChannelOpen() {
		return nil
	}

	err := c.driver.ClosePhysicalChannel()

	c.mu.Lock()
	c.logicalChannelOpen = false
	c.mu.Unlock()

	if err != nil {
		return card.NewReaderCommunicationError(c.driver.Name(), err)
	}
	return nil
}

// TransmitCardRequest executes req's APDUs in order over the physical
// channel, opening it first if necessary. It stops early if an APDU's
// status word is not in its accepted set and req.StopOnUnsuccessfulStatusWord
// is set. When control is CloseAfter, the physical channel is closed
// afterward (success or failure path alike) and the returned
// CardResponse.IsLogicalChannelOpen is false.
func (c *Controller) TransmitCardRequest(req *card.CardRequest, control card.ChannelControl) (*card.CardResponse, error) {
	if err := c.EnsurePhysicalChannelOpen(); err != nil {
		return nil, err
	}

	responses := make([]card.ApduResponse, 0, len(req.Apdus))

	for _, apduReq := range req.Apdus {
		raw, err := c.driver.TransmitAPDU(apduReq.Bytes())
		if err != nil {
			return nil, card.NewCardCommunicationError("transmit "+apduReq.Info(), err)
		}

		resp, err := card.NewApduResponse(raw)
		if err != nil {
			return nil, card.NewCardCommunicationError("parse response for "+apduReq.Info(), err)
		}

		responses = append(responses, resp)

		if !apduReq.IsSuccessful(resp.StatusWord()) && req.StopOnUnsuccessfulStatusWord {
			c.logger.Debug("stopping card request early: %s returned %04X", apduReq.Info(), resp.StatusWord())
			break
		}
	}

	c.mu.Lock()
	c.logicalChannelOpen = true
	c.mu.Unlock()

	result := &card.CardResponse{Apdus: responses, IsLogicalChannelOpen: true}

	if control == card.CloseAfter {
		if err := c.ClosePhysicalChannel(); err != nil {
			return result, err
		}
		result.IsLogicalChannelOpen = false
	}

	return result, nil
}
