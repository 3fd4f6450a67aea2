package domain

import "testing"

func TestRating(t *testing.T) {
	cases := []struct {
		pos, neg, want int
	}{
		{0, 0, 0},
		{3, 1, 75},
		{1, 3, 25},
		{1, 0, 100},
		{0, 1, 0},
		{2, 1, 67},
		{1, 2, 33},
		{1, 7, 13},
	}
	for _, tc := range cases {
		if got := Rating(tc.pos, tc.neg); got != tc.want {
			t.Fatalf("Rating(%d,%d) = %d, want %d", tc.pos, tc.neg, got, tc.want)
		}
	}
}

func TestNextVote(t *testing.T) {
	up := PolarityUp
	down := PolarityDown
	if got := NextVote(nil, PolarityUp); got != VoteInsert {
		t.Fatalf("first vote = %q, want insert", got)
	}
	if got := NextVote(&up, PolarityUp); got != VoteRetract {
		t.Fatalf("same polarity = %q, want retract", got)
	}
	if got := NextVote(&down, PolarityUp); got != VoteSwitch {
		t.Fatalf("opposite polarity = %q, want switch", got)
	}
}

func TestCounterDelta(t *testing.T) {
	cases := []struct {
		before, after Polarity
		pos, neg      int
	}{
		{"", PolarityUp, 1, 0},
		{"", PolarityDown, 0, 1},
		{PolarityUp, "", -1, 0},
		{PolarityDown, "", 0, -1},
		{PolarityUp, PolarityDown, -1, 1},
		{PolarityDown, PolarityUp, 1, -1},
	}
	for _, tc := range cases {
		pos, neg := CounterDelta(tc.before, tc.after)
		if pos != tc.pos || neg != tc.neg {
			t.Fatalf("CounterDelta(%q,%q) = (%d,%d), want (%d,%d)", tc.before, tc.after, pos, neg, tc.pos, tc.neg)
		}
	}
}

func TestShouldAutoHideIsMonotonic(t *testing.T) {
	for count := 0; count <= 4; count++ {
		if ShouldAutoHide(count, 5) {
			t.Fatalf("count %d should not hide", count)
		}
	}
	for count := 5; count <= 8; count++ {
		if !ShouldAutoHide(count, 5) {
			t.Fatalf("count %d should hide", count)
		}
	}
	if !ShouldAutoHide(DefaultAutoHideThreshold, 0) {
		t.Fatalf("zero threshold should fall back to default")
	}
}
