package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, status := range allStatuses {
		parsed, err := ParseStatus(string(status))
		require.NoError(t, err)
		assert.Equal(t, status, parsed)
	}

	_, err := ParseStatus("PONDERING")
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestTerminalStatusesHaveNoOutgoingEdges(t *testing.T) {
	for _, status := range allStatuses {
		if status.IsTerminal() {
			assert.Empty(t, transitions[status], "terminal status %s must not transition", status)
		}
	}
}

func TestEveryStatusIsReachableFromNew(t *testing.T) {
	reachable := map[Status]bool{StatusNew: true}
	queue := []Status{StatusNew}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range transitions[current] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	// AWAITING_DELETION is entered from any non-terminal status, DELETING from
	// AWAITING_DELETION; everything else must be reachable through the graph.
	for _, status := range allStatuses {
		assert.True(t, reachable[status], "status %s unreachable from NEW", status)
	}
}

func TestRetryLoopsAreTheOnlyCycles(t *testing.T) {
	// Retry, rollback and cleanup edges point backwards by design. Dropping
	// them must leave the forward-progress graph acyclic.
	backwardEdge := func(from, to Status) bool {
		switch {
		case from == StatusGenerationRecFailure && to == StatusGeneratingTriples:
			return true
		case from == StatusTransformationRecFailure &&
			(to == StatusTransformingTriples || to == StatusTriplesGenerated):
			return true
		case from == StatusTransformingTriples && to == StatusTriplesGenerated:
			return true
		case to == StatusNew || to == StatusAwaitingDeletion:
			return true
		default:
			return false
		}
	}

	pruned := make(map[Status][]Status, len(transitions))

	for from, tos := range transitions {
		for _, to := range tos {
			if backwardEdge(from, to) {
				continue
			}

			pruned[from] = append(pruned[from], to)
		}
	}

	const white, grey, black = 0, 1, 2

	colour := make(map[Status]int)

	var visit func(Status) bool

	visit = func(s Status) bool {
		colour[s] = grey

		for _, next := range pruned[s] {
			switch colour[next] {
			case grey:
				return false
			case white:
				if !visit(next) {
					return false
				}
			}
		}

		colour[s] = black

		return true
	}

	for _, status := range allStatuses {
		if colour[status] == white {
			require.True(t, visit(status), "cycle through %s", status)
		}
	}
}

func TestPredecessor(t *testing.T) {
	tests := []struct {
		status Status
		want   Status
	}{
		{StatusGeneratingTriples, StatusNew},
		{StatusTransformingTriples, StatusTriplesGenerated},
		{StatusDeleting, StatusAwaitingDeletion},
		{StatusNew, StatusNew},
		{StatusTriplesStore, StatusTriplesStore},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.Predecessor(), "predecessor of %s", tt.status)
	}
}

func TestProcessingStatuses(t *testing.T) {
	processing := ProcessingStatuses()
	require.Len(t, processing, 3)

	for _, status := range processing {
		assert.True(t, status.IsProcessing())
		assert.False(t, status.IsTerminal())
	}

	assert.False(t, StatusNew.IsProcessing())
	assert.False(t, StatusTriplesStore.IsProcessing())
}

func TestCanTransitionTo(t *testing.T) {
	assert.True(t, StatusNew.CanTransitionTo(StatusGeneratingTriples))
	assert.True(t, StatusGeneratingTriples.CanTransitionTo(StatusGenerationRecFailure))
	assert.True(t, StatusGenerationRecFailure.CanTransitionTo(StatusGeneratingTriples))
	assert.True(t, StatusTransformingTriples.CanTransitionTo(StatusTriplesGenerated))
	assert.True(t, StatusAwaitingDeletion.CanTransitionTo(StatusDeleting))

	assert.False(t, StatusTriplesStore.CanTransitionTo(StatusNew))
	assert.False(t, StatusSkipped.CanTransitionTo(StatusGeneratingTriples))
	assert.False(t, StatusNew.CanTransitionTo(StatusTransformingTriples))
}

func TestFailureStatusesRequireMessage(t *testing.T) {
	for _, status := range allStatuses {
		switch status {
		case StatusGenerationRecFailure, StatusGenerationNonRecFailure,
			StatusTransformationRecFailure, StatusTransformationNonRecFailure:
			assert.True(t, status.IsFailure(), "%s", status)
		default:
			assert.False(t, status.IsFailure(), "%s", status)
		}
	}
}
