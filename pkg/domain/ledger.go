package domain

import "math"

// VoteAction is the ledger mutation implied by a cast.
type VoteAction string

const (
	VoteInsert  VoteAction = "insert"
	VoteRetract VoteAction = "retract"
	VoteSwitch  VoteAction = "switch"
)

// VoteTally is the pair of denormalized vote counters of a material.
type VoteTally struct {
	Positive int `json:"positiveVotes"`
	Negative int `json:"negativeVotes"`
	Rating   int `json:"rating"`
}

// NewVoteTally builds a tally and derives its rating.
func NewVoteTally(positive, negative int) VoteTally {
	return VoteTally{Positive: positive, Negative: negative, Rating: Rating(positive, negative)}
}

// Rating is round(positive / (positive+negative) * 100), or 0 without votes.
func Rating(positive, negative int) int {
	total := positive + negative
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(positive) / float64(total) * 100))
}

// NextVote decides the ledger action for casting cast when current is the
// stored polarity (nil when the user has not voted).
func NextVote(current *Polarity, cast Polarity) VoteAction {
	switch {
	case current == nil:
		return VoteInsert
	case *current == cast:
		return VoteRetract
	default:
		return VoteSwitch
	}
}

// CounterDelta returns the change to (positive, negative) for moving a user
// from polarity before to polarity after. Empty means "no vote".
func CounterDelta(before, after Polarity) (int, int) {
	var pos, neg int
	switch before {
	case PolarityUp:
		pos--
	case PolarityDown:
		neg--
	}
	switch after {
	case PolarityUp:
		pos++
	case PolarityDown:
		neg++
	}
	return pos, neg
}

// DefaultAutoHideThreshold is the report count at which a material is hidden
// without administrator involvement.
const DefaultAutoHideThreshold = 5

// ShouldAutoHide maps an accumulated report count to the hidden flag. It only
// ever answers true or "leave as is"; reports are never un-counted.
func ShouldAutoHide(reportCount, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultAutoHideThreshold
	}
	return reportCount >= threshold
}
