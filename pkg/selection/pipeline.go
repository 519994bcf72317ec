// Package selection implements the card selection pipeline: an ordered list
// of CardSelectionRequest entries executed against a reader in one physical
// exchange, per an ISO 7816-4 SELECT-driven scenario.
package selection

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gregLibert/cardterminal/pkg/card"
	"github.com/gregLibert/cardterminal/pkg/channel"
	"github.com/gregLibert/cardterminal/pkg/iso7816"
	"github.com/gregLibert/cardterminal/pkg/logging"
)

// MultiSelectionProcessing controls whether a scenario stops at the first
// matching selector or runs every selector regardless.
type MultiSelectionProcessing int

const (
	FirstMatch MultiSelectionProcessing = iota
	ProcessAll
)

// Pipeline holds an ordered, append-only list of selection requests plus a
// pending "release channel" flag. It is single-use: ProcessScenario consumes
// it, and any further Prepare* call after that returns IllegalState.
type Pipeline struct {
	mode           MultiSelectionProcessing
	logger         logging.Logger
	requests       []card.CardSelectionRequest
	releaseChannel bool
	consumed       bool
}

// NewPipeline creates an empty pipeline for the given multi-selection mode.
// A nil logger falls back to the package default.
func NewPipeline(mode MultiSelectionProcessing, logger logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &Pipeline{mode: mode, logger: logger}
}

// PrepareSelection appends a selection request to the scenario.
func (p *Pipeline) PrepareSelection(req card.CardSelectionRequest) error {
	if p.consumed {
		return card.NewIllegalState("prepare_selection called on a pipeline already consumed by process_scenario")
	}
	p.requests = append(p.requests, req)
	return nil
}

// PrepareReleaseChannel marks the physical channel to be closed once the
// scenario finishes, regardless of match outcome.
func (p *Pipeline) PrepareReleaseChannel() error {
	if p.consumed {
		return card.NewIllegalState("prepare_release_channel called on a pipeline already consumed by process_scenario")
	}
	p.releaseChannel = true
	return nil
}

var defaultClass = mustDefaultClass()

func mustDefaultClass() iso7816.Class {
	cls, err := iso7816.NewClass(0x00)
	if err != nil {
		panic(err)
	}
	return cls
}

// ProcessScenario runs every prepared selection request against ctrl, in
// order, and consumes the pipeline: further Prepare* calls after this one
// return IllegalState even if this call itself fails.
func (p *Pipeline) ProcessScenario(ctrl *channel.Controller) (*card.CardSelectionResult, error) {
	p.consumed = true

	if len(p.requests) == 0 {
		return nil, card.NewIllegalState("process_scenario called with an empty scenario")
	}

	if p.mode == ProcessAll {
		for i, r := range p.requests {
			if len(r.Selector.AID) == 0 {
				return nil, card.NewIllegalState("PROCESS_ALL scenario contains a non-AID selector at index %d", i)
			}
		}
	}

	responses := make(map[int]card.CardSelectionResponse, len(p.requests))
	matchedCount := 0

	for i, req := range p.requests {
		resp, matched, err := p.processOne(ctrl, req)
		if err != nil {
			return nil, err
		}

		responses[i] = resp
		if matched {
			matchedCount++
		}

		if matched && p.mode == FirstMatch {
			break
		}
	}

	if p.releaseChannel || matchedCount == 0 {
		if err := ctrl.ClosePhysicalChannel(); err != nil {
			return nil, err
		}
	}

	return p.aggregate(responses), nil
}

// processOne runs a single selector: optional power-on filtering, the
// select APDU (if the selector carries an AID), and the optional follow-up
// card_request.
func (p *Pipeline) processOne(ctrl *channel.Controller, req card.CardSelectionRequest) (card.CardSelectionResponse, bool, error) {
	powerOnData, err := ctrl.Driver().GetPowerOnData()
	if err != nil {
		return card.CardSelectionResponse{}, false, card.NewCardCommunicationError("get power-on data", err)
	}
	powerOnHex := strings.ToUpper(hex.EncodeToString(powerOnData))

	if !matchesPowerOnData(req.Selector, powerOnData) {
		return card.CardSelectionResponse{PowerOnData: powerOnHex, HasMatched: false}, false, nil
	}

	if len(req.Selector.AID) == 0 {
		resp := card.CardSelectionResponse{PowerOnData: powerOnHex, HasMatched: true}
		if req.CardRequest != nil {
			followResp, err := p.transmitWithRecovery(ctrl, req.CardRequest)
			if isRecoverable(err) {
				return card.CardSelectionResponse{PowerOnData: powerOnHex, HasMatched: false}, false, nil
			}
			if err != nil {
				return card.CardSelectionResponse{}, false, err
			}
			resp.CardResponse = followResp
		}
		return resp, true, nil
	}

	selectCmd := iso7816.NewSelectCommand(
		defaultClass,
		iso7816.SelectByDFName,
		req.Selector.FileOccurrence,
		req.Selector.FileControlInfo,
		req.Selector.AID,
	)
	selectBytes, err := selectCmd.Bytes()
	if err != nil {
		return card.CardSelectionResponse{}, false, card.NewCardCommunicationError("encode select apdu", err)
	}

	selectReq := card.NewApduRequest(selectBytes, "SELECT "+hex.EncodeToString(req.Selector.AID), successfulWords(req.Selector)...)
	selectCardReq := &card.CardRequest{Apdus: []card.ApduRequest{selectReq}}

	selectResp, err := p.transmitWithRecovery(ctrl, selectCardReq)
	if isRecoverable(err) {
		return card.CardSelectionResponse{PowerOnData: powerOnHex, HasMatched: false}, false, nil
	}
	if err != nil {
		return card.CardSelectionResponse{}, false, err
	}

	if len(selectResp.Apdus) == 0 {
		return card.CardSelectionResponse{PowerOnData: powerOnHex, HasMatched: false}, false, nil
	}

	selectApduResp := selectResp.Apdus[0]
	matched := req.Selector.IsSuccessfulSelection(selectApduResp.StatusWord())

	resp := card.CardSelectionResponse{
		PowerOnData:               powerOnHex,
		SelectApplicationResponse: &selectApduResp,
		HasMatched:                matched,
		CardResponse:              selectResp,
	}

	if matched {
		if fci, err := iso7816.ParseSelectData(selectApduResp.Data(), byte(req.Selector.FileControlInfo)); err != nil {
			p.logger.Warn("failed to parse FCI for AID %X: %v", req.Selector.AID, err)
		} else {
			resp.FCI = fci
		}
	}

	if matched && req.CardRequest != nil {
		followResp, err := p.transmitWithRecovery(ctrl, req.CardRequest)
		if isRecoverable(err) {
			return card.CardSelectionResponse{PowerOnData: powerOnHex, HasMatched: false}, false, nil
		}
		if err != nil {
			return card.CardSelectionResponse{}, false, err
		}
		resp.CardResponse = followResp
	}

	return resp, matched, nil
}

// recoverableFailure marks a CardCommunicationError the pipeline has already
// handled by successfully re-opening the physical channel. processOne treats
// it as "this selector did not match", not as a scenario-ending error.
type recoverableFailure struct {
	cause error
}

func (e *recoverableFailure) Error() string { return e.cause.Error() }
func (e *recoverableFailure) Unwrap() error { return e.cause }

func isRecoverable(err error) bool {
	var rf *recoverableFailure
	return errors.As(err, &rf)
}

// transmitWithRecovery transmits req with KEEP_OPEN. A CardCommunicationError
// does not abort the scenario if the physical channel can be re-opened
// afterward: the caller gets back a *recoverableFailure and records the
// current selector as non-matching before moving on to the next one. A
// ReaderCommunicationError, or a failed reopen attempt, is always fatal and
// is returned unwrapped.
func (p *Pipeline) transmitWithRecovery(ctrl *channel.Controller, req *card.CardRequest) (*card.CardResponse, error) {
	resp, err := ctrl.TransmitCardRequest(req, card.KeepOpen)
	if err == nil {
		return resp, nil
	}

	if _, ok := err.(*card.CardCommunicationError); !ok {
		return nil, err
	}

	p.logger.Warn("card communication error, attempting to reopen channel: %v", err)
	if reopenErr := ctrl.EnsurePhysicalChannelOpen(); reopenErr != nil {
		return nil, reopenErr
	}
	return nil, &recoverableFailure{cause: err}
}

func matchesPowerOnData(selector card.CardSelector, powerOnData []byte) bool {
	if selector.PowerOnDataRegex == "" {
		return true
	}
	re, err := compileRegex(selector.PowerOnDataRegex)
	if err != nil {
		return false
	}
	return re.MatchString(strings.ToUpper(hex.EncodeToString(powerOnData)))
}

func successfulWords(selector card.CardSelector) []uint16 {
	words := make([]uint16, 0, len(selector.SuccessfulSelectionStatusWords))
	for sw := range selector.SuccessfulSelectionStatusWords {
		words = append(words, sw)
	}
	return words
}

func (p *Pipeline) aggregate(responses map[int]card.CardSelectionResponse) *card.CardSelectionResult {
	smartCards := make(map[uint8]card.SmartCard, len(responses))
	for i, resp := range responses {
		if !resp.HasMatched {
			continue
		}
		smartCards[uint8(i)] = card.SmartCard{Index: uint8(i), Response: resp}
	}

	var activeIndex *uint8
	for i := 0; i < len(responses); i++ {
		sc, ok := smartCards[uint8(i)]
		if !ok {
			continue
		}
		if sc.Response.CardResponse != nil && sc.Response.CardResponse.IsLogicalChannelOpen {
			idx := uint8(i)
			activeIndex = &idx
			break
		}
	}

	return &card.CardSelectionResult{SmartCards: smartCards, ActiveIndex: activeIndex}
}
