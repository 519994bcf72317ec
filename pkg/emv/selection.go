package emv

import "github.com/gregLibert/cardterminal/pkg/card"

// BuildSelectionRequests turns every application template found in one or
// more directory records into a CardSelectionRequest, ready to hand to a
// selection pipeline. Applications are ordered by ApplicationPriorityIndicator
// where present, lower values first, per the PSE selection convention;
// applications without a priority indicator are placed last, in record order.
func BuildSelectionRequests(records ...*DirectoryRecord) []*card.CardSelectionRequest {
	type candidate struct {
		aid      []byte
		priority int
		hasPrio  bool
	}

	var candidates []candidate
	for _, rec := range records {
		if rec == nil {
			continue
		}
		for _, app := range rec.Applications {
			if len(app.AID) == 0 {
				continue
			}
			c := candidate{aid: app.AID}
			if len(app.ApplicationPriorityIndicator) > 0 {
				c.priority = int(app.ApplicationPriorityIndicator[len(app.ApplicationPriorityIndicator)-1])
				c.hasPrio = true
			}
			candidates = append(candidates, c)
		}
	}

	// Stable partition: prioritized entries first (ascending priority), then
	// the rest in their original order.
	sorted := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.hasPrio {
			sorted = append(sorted, c)
		}
	}
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].priority < sorted[i].priority {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	for _, c := range candidates {
		if !c.hasPrio {
			sorted = append(sorted, c)
		}
	}

	requests := make([]*card.CardSelectionRequest, 0, len(sorted))
	for _, c := range sorted {
		requests = append(requests, &card.CardSelectionRequest{
			Selector: card.CardSelector{
				AID:             c.aid,
				FileOccurrence:  card.FileOccurrenceFirst,
				FileControlInfo: card.FileControlInfoFCI,
			},
		})
	}
	return requests
}
