// Command demo runs the classic EMV terminal dance against whatever PC/SC
// reader the system reports first: select the Payment System Environment,
// read its directory of applications, then run a single selection scenario
// over every application found.
package main

import (
	"fmt"
	"log"

	"github.com/gregLibert/cardterminal/pkg/card"
	"github.com/gregLibert/cardterminal/pkg/channel"
	"github.com/gregLibert/cardterminal/pkg/emv"
	"github.com/gregLibert/cardterminal/pkg/iso7816"
	"github.com/gregLibert/cardterminal/pkg/logging"
	"github.com/gregLibert/cardterminal/pkg/ndefext"
	"github.com/gregLibert/cardterminal/pkg/pcsc"
	"github.com/gregLibert/cardterminal/pkg/selection"
	"go.uber.org/multierr"
)

func main() {
	logger := logging.GetDefault()

	driver, closeCtx, err := pcsc.OpenFirstReader()
	if err != nil {
		log.Fatalf("no reader available: %v", err)
	}
	fmt.Printf(">> Using reader: %s\n", driver.Name())

	ctrl := channel.NewController(driver, logger)

	defer func() {
		err := multierr.Combine(
			ctrl.ClosePhysicalChannel(),
			closeCtx(),
		)
		if err != nil {
			log.Printf("warning: cleanup failed: %v", err)
		}
	}()

	sfi, err := selectPSE(ctrl)
	if err != nil {
		log.Printf("Step 1 warning: %v", err)
	}

	var records []*emv.DirectoryRecord
	if sfi > 0 {
		records = readDirectory(ctrl, sfi)
	} else {
		fmt.Println("\n>> Step 2 skipped: no valid SFI found in Step 1.")
	}

	selectCandidates(ctrl, records)

	tryReadNDEF(ctrl)

	fmt.Println("\n>> Demo finished successfully")
}

// selectPSE selects "1PAY.SYS.DDF01" and extracts the directory SFI from its
// FCI, if present.
func selectPSE(ctrl *channel.Controller) (byte, error) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 1: SELECT PSE (1PAY.SYS.DDF01)")
	fmt.Println("=============================================")

	pipeline := selection.NewPipeline(selection.FirstMatch, logging.GetDefault())
	if err := pipeline.PrepareSelection(card.CardSelectionRequest{
		Selector: card.CardSelector{
			AID:             []byte("1PAY.SYS.DDF01"),
			FileOccurrence:  card.FileOccurrenceFirst,
			FileControlInfo: card.FileControlInfoFCI,
		},
	}); err != nil {
		return 0, err
	}

	result, err := pipeline.ProcessScenario(ctrl)
	if err != nil {
		return 0, fmt.Errorf("PSE selection failed: %w", err)
	}

	smartCard, ok := result.SmartCards[0]
	if !ok || smartCard.Response.SelectApplicationResponse == nil {
		return 0, fmt.Errorf("PSE not found on card")
	}

	fciEmv, err := emv.ParseFCI(smartCard.Response.SelectApplicationResponse.Data())
	if err != nil {
		return 0, fmt.Errorf("failed to parse PSE FCI: %w", err)
	}
	fmt.Println(fciEmv.Describe())

	if len(fciEmv.ProprietaryTemplate.SFI) > 0 {
		return fciEmv.ProprietaryTemplate.SFI[0], nil
	}
	return 0, nil
}

// readDirectory reads every record in the directory SFI until the card
// reports "record not found", parsing each one as EMV directory data.
func readDirectory(ctrl *channel.Controller, sfi byte) []*emv.DirectoryRecord {
	fmt.Println("\n=============================================")
	fmt.Printf(" Step 2: Exploring directory (SFI %d)\n", sfi)
	fmt.Println("=============================================")

	cls, _ := iso7816.NewClass(0x00)

	var records []*emv.DirectoryRecord
	for recNum := byte(1); recNum <= 30; recNum++ {
		readCmd := iso7816.ReadRecord(cls, sfi, recNum)
		raw, err := readCmd.Bytes()
		if err != nil {
			log.Printf("(!) failed to encode READ RECORD #%d: %v", recNum, err)
			break
		}

		resp, err := ctrl.TransmitCardRequest(&card.CardRequest{
			Apdus: []card.ApduRequest{card.NewApduRequest(raw, fmt.Sprintf("READ RECORD #%d", recNum))},
		}, card.KeepOpen)
		if err != nil {
			log.Printf("(!) communication broken: %v", err)
			break
		}

		sw := resp.Apdus[0].StatusWord()
		if sw == 0x6A83 {
			fmt.Println(">> Status 6A83 received: end of directory reached.")
			break
		}
		if sw != card.StatusWordNoError {
			continue
		}

		record, err := emv.ParseDirectoryRecord(resp.Apdus[0].Data())
		if err != nil {
			fmt.Printf("   (!) failed to parse EMV directory record: %v\n", err)
			continue
		}
		fmt.Println(record.Describe())
		records = append(records, record)
	}

	return records
}

// tryReadNDEF runs a best-effort fourth step: select the NFC Forum Type 4
// Tag NDEF application and, if present, read and print its NDEF message.
// Most EMV payment cards don't carry this application, so a non-match here
// is expected and not treated as a failure of the demo.
func tryReadNDEF(ctrl *channel.Controller) {
	fmt.Println("\n=============================================")
	fmt.Println(" Step 4: Selecting NDEF Type 4 Tag application")
	fmt.Println("=============================================")

	pipeline := selection.NewPipeline(selection.FirstMatch, logging.GetDefault())
	if err := pipeline.PrepareSelection(*ndefext.BuildSelectionRequest()); err != nil {
		log.Printf("(!) failed to prepare NDEF selector: %v", err)
		return
	}

	result, err := pipeline.ProcessScenario(ctrl)
	if err != nil {
		fmt.Printf(">> NDEF selection failed: %v\n", err)
		return
	}
	if _, matched := result.SmartCards[0]; !matched {
		fmt.Println(">> No NDEF application found on this card.")
		return
	}

	msg, err := ndefext.ReadNDEFMessage(ctrl)
	if err != nil {
		fmt.Printf(">> NDEF application matched, but reading its message failed: %v\n", err)
		return
	}
	fmt.Printf(">> NDEF message: %s\n", msg)
}

// selectCandidates runs one PROCESS_ALL scenario over every application AID
// found in the directory, so that no candidate short-circuits the rest.
func selectCandidates(ctrl *channel.Controller, records []*emv.DirectoryRecord) {
	requests := emv.BuildSelectionRequests(records...)

	fmt.Println("\n=============================================")
	fmt.Printf(" Step 3: Selecting candidate applications (%d found)\n", len(requests))
	fmt.Println("=============================================")

	if len(requests) == 0 {
		fmt.Println(">> No applications found to select.")
		return
	}

	pipeline := selection.NewPipeline(selection.ProcessAll, logging.GetDefault())
	for _, req := range requests {
		if err := pipeline.PrepareSelection(*req); err != nil {
			log.Printf("(!) failed to prepare selector for AID %X: %v", req.Selector.AID, err)
			return
		}
	}

	result, err := pipeline.ProcessScenario(ctrl)
	if err != nil {
		log.Printf("(!) selection scenario failed: %v", err)
		return
	}

	for i, req := range requests {
		smartCard, matched := result.SmartCards[uint8(i)]
		fmt.Printf("\n------------------------------------------------------------\n")
		fmt.Printf(" [App %d/%d] AID: %X\n", i+1, len(requests), req.Selector.AID)
		if !matched {
			fmt.Println("Selection failed or did not match.")
			continue
		}
		if fciEmv, err := emv.ParseFCI(smartCard.Response.SelectApplicationResponse.Data()); err == nil {
			fmt.Println(fciEmv.Describe())
		} else {
			fmt.Printf("Matched, but FCI parsing failed: %v\n", err)
		}
	}
}
