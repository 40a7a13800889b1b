package producers

import (
	"math"
	"math/rand"

	"github.com/renkulab/kg-pipeline/internal/storage"
)

// priorityWeightScale turns a priority in (0, 1] into a ticket count.
const priorityWeightScale = 10

// pickCandidate selects one project from the candidate set with probability
// proportional to its priority. The priority favours projects with recent
// activity and penalises projects whose events already occupy the pipeline,
// so a single busy project cannot starve the rest.
//
// Each candidate gets round(p * 10) tickets, at least one, and the draw is
// uniform over tickets. rng is injected so tests can fix the draw.
func pickCandidate(candidates []storage.ProjectCandidate, rng *rand.Rand) *storage.ProjectCandidate {
	if len(candidates) == 0 {
		return nil
	}

	if len(candidates) == 1 {
		return &candidates[0]
	}

	var tickets []int

	for i, candidate := range candidates {
		weight := int(math.Round(priority(candidates, candidate) * priorityWeightScale))
		if weight < 1 {
			weight = 1
		}

		for t := 0; t < weight; t++ {
			tickets = append(tickets, i)
		}
	}

	return &candidates[tickets[rng.Intn(len(tickets))]]
}

// priority computes the candidate's priority in (0, 1]: its event recency
// normalised over the candidate set, damped by the number of events the
// project already has in flight.
func priority(candidates []storage.ProjectCandidate, candidate storage.ProjectCandidate) float64 {
	oldest := candidates[0].LatestEventDate
	newest := candidates[0].LatestEventDate

	for _, c := range candidates[1:] {
		if c.LatestEventDate.Before(oldest) {
			oldest = c.LatestEventDate
		}

		if c.LatestEventDate.After(newest) {
			newest = c.LatestEventDate
		}
	}

	recency := 1.0

	if spread := newest.Sub(oldest); spread > 0 {
		recency = float64(candidate.LatestEventDate.Sub(oldest)) / float64(spread)
	}

	return (recency + 0.1) / (1.1 * float64(candidate.Occupancy+1))
}
