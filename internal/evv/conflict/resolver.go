// Package conflict reconciles divergent local and server copies of record
// fields during sync. Resolution is table-driven per field class and a pure
// function of its two inputs, so replaying the same pair always yields the
// same outcome; every resolution leaves an immutable audit entry.
package conflict

import (
	"fmt"
	"time"

	"careverify/internal/evv/models"
)

// FieldChange is one side of a field-level disagreement.
type FieldChange struct {
	Field     string
	Value     string
	UpdatedAt time.Time
	Actor     string
}

// strategyTable maps field classes to their resolution strategy. Clock-in
// evidence must not be retroactively fabricated, clock-out corrections are
// legitimate, notes must lose no information, and anything touching
// verification state is never auto-resolved.
var strategyTable = map[string]models.ResolutionStrategy{
	"clock_in_at":        models.StrategyServerWins,
	"clock_in_location":  models.StrategyServerWins,
	"clock_out_at":       models.StrategyLastWriteWins,
	"clock_out_location": models.StrategyLastWriteWins,
	"notes":              models.StrategyMerge,
}

// StrategyFor returns the resolution strategy for a field. Unlisted fields
// are ambiguous by definition and route to manual review.
func StrategyFor(field string) models.ResolutionStrategy {
	if s, ok := strategyTable[field]; ok {
		return s
	}
	return models.StrategyManualReview
}

// Resolution is the outcome of resolving one field.
type Resolution struct {
	Field         string
	Strategy      models.ResolutionStrategy
	Winner        models.ResolutionWinner
	ResolvedValue string
	NeedsReview   bool
}

// Resolve reconciles a device-side (local) and server-side (remote) value for
// one field. It never mutates its inputs and is deterministic: identical
// inputs always produce an identical resolution.
func Resolve(local, remote FieldChange) Resolution {
	strategy := StrategyFor(local.Field)
	res := Resolution{Field: local.Field, Strategy: strategy}

	switch strategy {
	case models.StrategyServerWins:
		res.Winner = models.WinnerRemote
		res.ResolvedValue = remote.Value

	case models.StrategyLastWriteWins:
		// Strictly more recent wins; ties keep the server value so the
		// outcome never depends on evaluation order.
		if local.UpdatedAt.After(remote.UpdatedAt) {
			res.Winner = models.WinnerLocal
			res.ResolvedValue = local.Value
		} else {
			res.Winner = models.WinnerRemote
			res.ResolvedValue = remote.Value
		}

	case models.StrategyMerge:
		res.Winner = models.WinnerMerged
		res.ResolvedValue = merge(local, remote)

	default:
		res.Winner = models.WinnerNone
		res.NeedsReview = true
	}

	return res
}

// merge concatenates both notes with attribution and timestamp, ordered by
// write time (actor, then value, break ties) so the merged text is stable no
// matter which side arrives first.
func merge(local, remote FieldChange) string {
	first, second := remote, local
	if local.UpdatedAt.Before(remote.UpdatedAt) ||
		(local.UpdatedAt.Equal(remote.UpdatedAt) && lessChange(local, remote)) {
		first, second = local, remote
	}
	if first.Value == second.Value {
		return attributed(first)
	}
	return attributed(first) + "\n" + attributed(second)
}

func lessChange(a, b FieldChange) bool {
	if a.Actor != b.Actor {
		return a.Actor < b.Actor
	}
	return a.Value < b.Value
}

func attributed(c FieldChange) string {
	return fmt.Sprintf("[%s @ %s] %s", c.Actor, c.UpdatedAt.UTC().Format(time.RFC3339), c.Value)
}
