package app

import (
	"context"
	"errors"
	"strings"

	"unetwork/internal/util"
	"unetwork/pkg/domain"
	"unetwork/pkg/metrics"
	"unetwork/pkg/store"
)

// VoteOutcome is the caller's vote after a ledger mutation plus the
// material's counters and rating.
type VoteOutcome struct {
	Action domain.VoteAction `json:"action,omitempty"`
	Vote   domain.Polarity   `json:"vote,omitempty"`
	domain.VoteTally
}

// ParsePolarity accepts up/down in any case.
func ParsePolarity(raw string) (domain.Polarity, error) {
	p := domain.Polarity(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", invalid("polarity", "polarity must be up or down")
	}
	return p, nil
}

// CastVote applies a vote: first vote inserts, the same polarity again
// retracts, the opposite polarity switches in place.
func (a *App) CastVote(ctx context.Context, user domain.User, materialID string, polarity domain.Polarity) (VoteOutcome, error) {
	if !polarity.Valid() {
		return VoteOutcome{}, invalid("polarity", "polarity must be up or down")
	}
	m, err := a.loadMaterial(ctx, materialID, &user)
	if err != nil {
		return VoteOutcome{}, err
	}
	res, err := a.store.CastVote(ctx, m.ID, user.ID, polarity)
	if err != nil {
		return VoteOutcome{}, a.voteError(ctx, "cast vote", m.ID, err)
	}
	metrics.VotesTotal.WithLabelValues(string(res.Action)).Inc()
	return VoteOutcome{Action: res.Action, Vote: res.Polarity, VoteTally: res.Tally}, nil
}

// RetractVote removes whatever vote the user holds; without one it only
// reports the current counters.
func (a *App) RetractVote(ctx context.Context, user domain.User, materialID string) (VoteOutcome, error) {
	m, err := a.loadMaterial(ctx, materialID, &user)
	if err != nil {
		return VoteOutcome{}, err
	}
	res, err := a.store.RetractVote(ctx, m.ID, user.ID)
	if err != nil {
		return VoteOutcome{}, a.voteError(ctx, "retract vote", m.ID, err)
	}
	if res.Action != "" {
		metrics.VotesTotal.WithLabelValues(string(res.Action)).Inc()
	}
	return VoteOutcome{Action: res.Action, VoteTally: res.Tally}, nil
}

func (a *App) voteError(ctx context.Context, op, materialID string, err error) error {
	if errors.Is(err, store.ErrConflict) {
		metrics.VotesTotal.WithLabelValues("conflict").Inc()
		util.LoggerFromContext(ctx).Info("vote_conflict", "material_id", materialID)
	}
	return mapStoreError(op, err)
}

func (a *App) currentVote(ctx context.Context, materialID string, user *domain.User) domain.Polarity {
	if user == nil || user.ID == "" {
		return ""
	}
	p, ok, err := a.store.GetVote(ctx, materialID, user.ID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("get_vote_failed", "material_id", materialID, "err", err)
		return ""
	}
	if !ok {
		return ""
	}
	return p
}
