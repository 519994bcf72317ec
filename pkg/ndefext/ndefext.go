// Package ndefext is a second worked CardExtension: it selects the NFC
// Forum Type 4 Tag NDEF application and reads the NDEF message out of it,
// parsing the result with go-ndef. It exercises the same selection and
// channel-control primitives as an EMV directory read, over a contactless
// AID instead of a payment one.
package ndefext

import (
	"encoding/binary"
	"fmt"

	"github.com/gregLibert/cardterminal/pkg/card"
	"github.com/gregLibert/cardterminal/pkg/channel"
	"github.com/gregLibert/cardterminal/pkg/iso7816"
	ndef "github.com/hsanjuan/go-ndef"
)

// AID is the NFC Forum Type 4 Tag NDEF application identifier.
var AID = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

// capabilityContainerFileID is the fixed file ID of the Capability
// Container EF, always selected right after the NDEF application.
var capabilityContainerFileID = []byte{0xE1, 0x03}

var defaultClass = mustClass()

func mustClass() iso7816.Class {
	c, err := iso7816.NewClass(0x00)
	if err != nil {
		panic(err)
	}
	return c
}

// BuildSelectionRequest builds a CardSelectionRequest that matches any card
// offering the NDEF Type 4 Tag application, without reading it. Use
// ReadNDEFMessage afterward, once the scenario has matched, to fetch the
// actual NDEF content — the capability container and NDEF file IDs it needs
// can only be learned by reading the card's own response at each step, which
// does not fit a static, pre-built CardRequest.
func BuildSelectionRequest() *card.CardSelectionRequest {
	return &card.CardSelectionRequest{
		Selector: card.CardSelector{
			AID:             AID,
			FileOccurrence:  card.FileOccurrenceFirst,
			FileControlInfo: card.FileControlInfoFCI,
		},
	}
}

// ReadNDEFMessage selects the capability container, locates the NDEF file
// it describes, selects and reads it, and parses the result. The NDEF
// application must already be selected (e.g. via a scenario built from
// BuildSelectionRequest) and the logical channel must still be open.
func ReadNDEFMessage(ctrl *channel.Controller) (*ndef.Message, error) {
	ccData, err := selectAndReadBinary(ctrl, capabilityContainerFileID, 15)
	if err != nil {
		return nil, fmt.Errorf("read capability container: %w", err)
	}

	ndefFileID, maxSize, err := parseCapabilityContainer(ccData)
	if err != nil {
		return nil, err
	}

	ndefData, err := selectAndReadBinary(ctrl, ndefFileID, int(maxSize))
	if err != nil {
		return nil, fmt.Errorf("read NDEF file: %w", err)
	}
	if len(ndefData) < 2 {
		return nil, fmt.Errorf("NDEF file too short: %d bytes", len(ndefData))
	}

	// The NDEF file's first two bytes are the NLEN length prefix (§7.2.4 of
	// the NFC Forum Type 4 Tag spec); the message itself follows.
	nlen := int(binary.BigEndian.Uint16(ndefData[:2]))
	if 2+nlen > len(ndefData) {
		return nil, fmt.Errorf("NDEF message length %d exceeds read data (%d bytes)", nlen, len(ndefData)-2)
	}

	msg := new(ndef.Message)
	if _, err := msg.Unmarshal(ndefData[2 : 2+nlen]); err != nil {
		return nil, fmt.Errorf("unmarshal NDEF message: %w", err)
	}
	return msg, nil
}

func selectAndReadBinary(ctrl *channel.Controller, fileID []byte, length int) ([]byte, error) {
	selectCmd := iso7816.NewSelectCommand(defaultClass, iso7816.SelectByFileID, card.FileOccurrenceFirst, iso7816.ReturnNoData, fileID)
	selectBytes, err := selectCmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode SELECT: %w", err)
	}

	readCmd := iso7816.NewReadBinaryCommand(defaultClass, 0, length)
	readBytes, err := readCmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode READ BINARY: %w", err)
	}

	req := &card.CardRequest{
		Apdus: []card.ApduRequest{
			card.NewApduRequest(selectBytes, "SELECT EF"),
			card.NewApduRequest(readBytes, "READ BINARY"),
		},
		StopOnUnsuccessfulStatusWord: true,
	}

	resp, err := ctrl.TransmitCardRequest(req, card.KeepOpen)
	if err != nil {
		return nil, err
	}
	if len(resp.Apdus) != 2 {
		return nil, fmt.Errorf("expected 2 responses, got %d", len(resp.Apdus))
	}
	return resp.Apdus[1].Data(), nil
}

// parseCapabilityContainer extracts the NDEF file ID and maximum readable
// length (MLe) from a Capability Container TLV per the NFC Forum Type 4 Tag
// spec: CCLEN(2) MappingVersion(1) MLe(2) MLc(2) NDEFFileControlTLV(8).
func parseCapabilityContainer(cc []byte) (fileID []byte, mle uint16, err error) {
	if len(cc) < 15 {
		return nil, 0, fmt.Errorf("capability container too short: %d bytes", len(cc))
	}
	mle = binary.BigEndian.Uint16(cc[3:5])
	tlvTag := cc[7]
	if tlvTag != 0x04 {
		return nil, 0, fmt.Errorf("unexpected NDEF File Control TLV tag 0x%02X", tlvTag)
	}
	fileID = append([]byte(nil), cc[9:11]...)
	return fileID, mle, nil
}
