// Package card holds the immutable value types that flow between the
// selection pipeline, the channel controller, and callers: APDU
// requests/responses, card-level requests/responses, selectors, and the
// aggregated result of running a selection scenario.
package card

import (
	"fmt"

	"github.com/gregLibert/cardterminal/pkg/iso7816"
)

// StatusWordNoError is implicitly part of every ApduRequest's accepted set.
const StatusWordNoError uint16 = 0x9000

// ApduRequest is a single command APDU plus the status words that count as
// success for it. Immutable once built.
type ApduRequest struct {
	bytes                 []byte
	info                  string
	successfulStatusWords map[uint16]struct{}
}

// NewApduRequest builds an ApduRequest. 0x9000 is always accepted in
// addition to whatever is passed in successful.
func NewApduRequest(bytes []byte, info string, successful ...uint16) ApduRequest {
	set := make(map[uint16]struct{}, len(successful)+1)
	set[StatusWordNoError] = struct{}{}
	for _, sw := range successful {
		set[sw] = struct{}{}
	}

	cp := make([]byte, len(bytes))
	copy(cp, bytes)

	return ApduRequest{bytes: cp, info: info, successfulStatusWords: set}
}

// Bytes returns a copy of the raw command bytes.
func (r ApduRequest) Bytes() []byte {
	cp := make([]byte, len(r.bytes))
	copy(cp, r.bytes)
	return cp
}

// Info returns the human-readable label attached to this request (e.g.
// "SELECT PSE").
func (r ApduRequest) Info() string {
	return r.info
}

// IsSuccessful reports whether sw belongs to this request's accepted set.
func (r ApduRequest) IsSuccessful(sw uint16) bool {
	_, ok := r.successfulStatusWords[sw]
	return ok
}

// ApduResponse is the raw bytes returned by the card for one APDU, with
// derived accessors for the trailing status word.
type ApduResponse struct {
	bytes []byte
}

// NewApduResponse validates and wraps raw response bytes. Per the data
// model, bytes must be at least 2 long (SW1, SW2).
func NewApduResponse(bytes []byte) (ApduResponse, error) {
	if len(bytes) < 2 {
		return ApduResponse{}, fmt.Errorf("apdu response too short: %d bytes", len(bytes))
	}
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	return ApduResponse{bytes: cp}, nil
}

// StatusWord returns the trailing two-byte status word.
func (r ApduResponse) StatusWord() uint16 {
	n := len(r.bytes)
	return uint16(r.bytes[n-2])<<8 | uint16(r.bytes[n-1])
}

// Data returns the response body, excluding the trailing status word.
func (r ApduResponse) Data() []byte {
	n := len(r.bytes)
	cp := make([]byte, n-2)
	copy(cp, r.bytes[:n-2])
	return cp
}

// Bytes returns the full response including the status word.
func (r ApduResponse) Bytes() []byte {
	cp := make([]byte, len(r.bytes))
	copy(cp, r.bytes)
	return cp
}

// CardRequest is an ordered sequence of APDUs to run against a card in one
// logical exchange.
type CardRequest struct {
	Apdus                        []ApduRequest
	StopOnUnsuccessfulStatusWord bool
}

// CardResponse is the ordered sequence of responses actually produced for a
// CardRequest. Its length may be shorter than the request's when execution
// stopped early.
type CardResponse struct {
	Apdus                []ApduResponse
	IsLogicalChannelOpen bool
}

// ChannelControl tells the channel controller what to do with the physical
// channel after a transmission.
type ChannelControl int

const (
	KeepOpen ChannelControl = iota
	CloseAfter
)

// FileOccurrence and SelectionControl reuse the ISO 7816-4 P2 encodings
// directly: the selector's file_occurrence/file_control_info fields are
// exactly the bits the SELECT command already carries, so there is no
// reason to re-declare them here.
type FileOccurrence = iso7816.FileOccurrence
type FileControlInfo = iso7816.SelectionControl

const (
	FileOccurrenceFirst    = iso7816.FirstOrOnlyOccurrence
	FileOccurrenceLast     = iso7816.LastOccurrence
	FileOccurrenceNext     = iso7816.NextOccurrence
	FileOccurrencePrevious = iso7816.PreviousOccurrence

	FileControlInfoFCI        = iso7816.ReturnFCI
	FileControlInfoFCP        = iso7816.ReturnFCP
	FileControlInfoFMD        = iso7816.ReturnFMD
	FileControlInfoNoResponse = iso7816.ReturnNoData
)

// CardSelector describes how to recognize and select an application on a
// card. At least one of AID or PowerOnDataRegex should discriminate the
// target card/application; the pipeline does not enforce this, it only
// honors whichever fields are set.
type CardSelector struct {
	CardProtocol                   string // empty means "any"
	PowerOnDataRegex               string // empty means "no filter"
	AID                            []byte // 1..16 bytes, nil means "no AID"
	FileOccurrence                 FileOccurrence
	FileControlInfo                FileControlInfo
	SuccessfulSelectionStatusWords map[uint16]struct{}
}

// IsSuccessfulSelection reports whether sw is an accepted selection status
// word for this selector. 0x9000 is always accepted.
func (s CardSelector) IsSuccessfulSelection(sw uint16) bool {
	if sw == StatusWordNoError {
		return true
	}
	_, ok := s.SuccessfulSelectionStatusWords[sw]
	return ok
}

// CardSelectionRequest pairs a selector with the optional follow-up APDUs a
// CardExtension wants to run once the selector has matched.
type CardSelectionRequest struct {
	Selector    CardSelector
	CardRequest *CardRequest
}

// CardSelectionResponse is the per-selector outcome produced while running a
// selection scenario.
type CardSelectionResponse struct {
	PowerOnData               string // hex-encoded
	SelectApplicationResponse *ApduResponse
	FCI                       *iso7816.FileControlInfo
	HasMatched                bool
	CardResponse              *CardResponse
}

// SmartCard is the caller-facing handle for one matched selector. It owns
// its own copy of power-on data and FCI bytes; it never references the
// Reader that produced it.
type SmartCard struct {
	Index    uint8
	Response CardSelectionResponse
}

// CardSelectionResult aggregates the outcome of one process_scenario call.
type CardSelectionResult struct {
	SmartCards  map[uint8]SmartCard
	ActiveIndex *uint8
}
