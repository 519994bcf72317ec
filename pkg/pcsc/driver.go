// Package pcsc adapts a PC/SC smart-card reader, via github.com/ebfe/scard,
// to the channel.ReaderDriver contract the core selection pipeline and
// monitoring jobs drive.
package pcsc

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebfe/scard"
	"github.com/gregLibert/cardterminal/pkg/channel"
	"github.com/gregLibert/cardterminal/pkg/iso7816"
)

// pollInterval is how often WaitForCardInsertion re-checks reader state
// between GetStatusChange calls.
const pollInterval = 250 * time.Millisecond

// Driver implements channel.ReaderDriver over one PC/SC reader.
type Driver struct {
	ctx        *scard.Context
	readerName string

	mu   sync.Mutex
	conn *scard.Card
}

// NewDriver wraps an already-established scard.Context for one named
// reader. Card connections are opened lazily by OpenPhysicalChannel.
func NewDriver(ctx *scard.Context, readerName string) *Driver {
	return &Driver{ctx: ctx, readerName: readerName}
}

// OpenFirstReader establishes a PC/SC context and returns a Driver bound to
// the first reader the system reports, mirroring the connection setup a
// PC/SC demo always needs. The returned close function releases the
// context; callers should defer it.
func OpenFirstReader() (*Driver, func() error, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, nil, fmt.Errorf("establish PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		_ = ctx.Release()
		return nil, nil, fmt.Errorf("list readers: %w", err)
	}
	if len(readers) == 0 {
		_ = ctx.Release()
		return nil, nil, fmt.Errorf("no PC/SC reader found")
	}

	return NewDriver(ctx, readers[0]), ctx.Release, nil
}

// Name returns the underlying PC/SC reader name.
func (d *Driver) Name() string { return d.readerName }

func (d *Driver) status() (*scard.ReaderState, error) {
	states := []scard.ReaderState{{Reader: d.readerName, CurrentState: scard.StateUnaware}}
	if err := d.ctx.GetStatusChange(states, 0); err != nil {
		return nil, err
	}
	return &states[0], nil
}

// IsCardPresent reports whether a card currently sits in the reader.
func (d *Driver) IsCardPresent() bool {
	state, err := d.status()
	if err != nil {
		return false
	}
	return state.EventState&scard.StatePresent != 0
}

// IsCardPresentPing is functionally identical to IsCardPresent: PC/SC
// exposes reader presence as reader-state, not as a card-side round trip, so
// there is no cheaper "ping" available below the OS driver layer.
func (d *Driver) IsCardPresentPing() bool {
	return d.IsCardPresent()
}

// OpenPhysicalChannel connects to the card, letting PC/SC negotiate T=0 or
// T=1 automatically.
func (d *Driver) OpenPhysicalChannel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return nil
	}

	conn, err := d.ctx.Connect(d.readerName, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		return fmt.Errorf("connect to %q: %w", d.readerName, err)
	}
	d.conn = conn
	return nil
}

// ClosePhysicalChannel disconnects from the card, leaving it powered per
// PC/SC convention so a subsequent OpenPhysicalChannel does not require a
// fresh insertion.
func (d *Driver) ClosePhysicalChannel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Disconnect(scard.LeaveCard)
	d.conn = nil
	if err != nil {
		return fmt.Errorf("disconnect from %q: %w", d.readerName, err)
	}
	return nil
}

// IsPhysicalChannelOpen reports whether a card connection is currently held.
func (d *Driver) IsPhysicalChannelOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// TransmitAPDU sends one raw C-APDU and returns the raw R-APDU, transparently
// following any 61XX/6CXX chaining the card requests.
func (d *Driver) TransmitAPDU(apdu []byte) ([]byte, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("physical channel not open")
	}

	rawResp, err := conn.Transmit(apdu)
	if err != nil {
		return nil, fmt.Errorf("transmit APDU: %w", err)
	}

	resp, err := iso7816.ParseResponseAPDU(rawResp)
	if err != nil {
		return nil, fmt.Errorf("parse response APDU: %w", err)
	}

	if resp.Status.SW1() != 0x61 && resp.Status.SW1() != 0x6C {
		return rawResp, nil
	}

	return d.chainResponse(apdu, resp)
}

// chainResponse follows GET RESPONSE (61XX) and re-issue-with-Le (6CXX)
// chaining directly over the raw APDU bytes TransmitAPDU receives; there is
// no *CommandAPDU available to reuse a higher-level encoder with.
func (d *Driver) chainResponse(originalAPDU []byte, resp *iso7816.ResponseAPDU) ([]byte, error) {
	if len(originalAPDU) < 4 {
		return nil, fmt.Errorf("malformed APDU: too short to chain")
	}
	cla := originalAPDU[0]

	if resp.Status.SW1() == 0x61 {
		// GET RESPONSE must reuse the same logical channel but never carry the
		// command-chaining bit (ISO 7816-4 §5.1.1.1).
		getResp := []byte{cla &^ 0x10, byte(iso7816.INS_GET_RESPONSE), 0x00, 0x00, resp.Status.SW2()}
		return d.TransmitAPDU(getResp)
	}

	// 6CXX: re-issue the original command with Le = SW2. The Le byte is the
	// APDU's final byte in every case this pipeline emits (no Lc without Le).
	retry := make([]byte, len(originalAPDU))
	copy(retry, originalAPDU)
	retry[len(retry)-1] = resp.Status.SW2()
	return d.TransmitAPDU(retry)
}

// GetPowerOnData returns the card's ATR.
func (d *Driver) GetPowerOnData() ([]byte, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("physical channel not open")
	}
	status, err := conn.Status()
	if err != nil {
		return nil, fmt.Errorf("card status: %w", err)
	}
	return status.Atr, nil
}

// ActivateProtocol/DeactivateProtocol are no-ops: PC/SC negotiates the
// contact protocol (T=0/T=1) during Connect, not as a separate step.
func (d *Driver) ActivateProtocol(protocol string) error   { return nil }
func (d *Driver) DeactivateProtocol(protocol string) error { return nil }

// WaitForCardInsertion blocks until a card is present or timeout elapses.
func (d *Driver) WaitForCardInsertion(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if d.IsCardPresent() {
			return nil
		}
		if time.Now().After(deadline) {
			return channel.ErrWaitTimedOut
		}
		time.Sleep(pollInterval)
	}
}

// WaitForCardRemoval blocks until the card is no longer present.
func (d *Driver) WaitForCardRemoval() error {
	for d.IsCardPresent() {
		time.Sleep(pollInterval)
	}
	return nil
}
