// Package matching assigns the session population into pairs each round.
//
// Both matchers are pure functions of their inputs: the ordered player list,
// the round number and, for stranger matching, a seed. Calling Pairing twice
// with the same arguments yields the same groups.
package matching

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/lox/cprbargain/internal/randutil"
)

// GroupSize is the number of players in every group.
const GroupSize = 2

var (
	ErrPopulationSize = errors.New("population size must be a positive multiple of the group size")
	ErrInvalidRound   = errors.New("round number must be at least 1")
	ErrUnknownMode    = errors.New("unknown matching mode")
)

// Group is an ordered set of player IDs. Index i holds slot i+1.
type Group []int

// Slot returns the 1-based slot of player within the group, or 0.
func (g Group) Slot(player int) int {
	for i, id := range g {
		if id == player {
			return i + 1
		}
	}
	return 0
}

// Partner returns the other member of a two-player group.
func (g Group) Partner(player int) (int, bool) {
	if len(g) != 2 {
		return 0, false
	}
	switch player {
	case g[0]:
		return g[1], true
	case g[1]:
		return g[0], true
	}
	return 0, false
}

// Matcher computes the pairing for a round.
type Matcher interface {
	Pairing(players []int, round int) ([]Group, error)
}

// Mode selects a matching algorithm.
type Mode string

const (
	ModeStranger Mode = "stranger"
	ModeRotating Mode = "rotating"
)

// ParseMode parses a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStranger:
		return ModeStranger, nil
	case ModeRotating, "fixed", "partner":
		return ModeRotating, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// New returns the matcher for mode.
func New(mode Mode, seed int64) (Matcher, error) {
	switch mode {
	case ModeStranger:
		return Stranger{Seed: seed}, nil
	case ModeRotating:
		return Rotating{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

func checkPopulation(players []int, round int) error {
	if round < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidRound, round)
	}
	if len(players) == 0 || len(players)%GroupSize != 0 {
		return fmt.Errorf("%w: %d players, group size %d", ErrPopulationSize, len(players), GroupSize)
	}
	return nil
}

// Stranger reshuffles the whole population every round.
type Stranger struct {
	Seed int64
}

// Pairing implements Matcher.
func (s Stranger) Pairing(players []int, round int) ([]Group, error) {
	if err := checkPopulation(players, round); err != nil {
		return nil, err
	}

	shuffled := slices.Clone(players)
	rng := randutil.Derive(s.Seed, uint64(round))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	groups := make([]Group, 0, len(shuffled)/GroupSize)
	for chunk := range slices.Chunk(shuffled, GroupSize) {
		groups = append(groups, Group(slices.Clone(chunk)))
	}
	return groups, nil
}

// Rotating keeps the first half of the population fixed and rotates the
// second half by one position per round. Every member of the first half
// meets min(|B|, rounds) distinct partners and the schedule repeats with
// period |B|.
type Rotating struct{}

// Pairing implements Matcher.
func (Rotating) Pairing(players []int, round int) ([]Group, error) {
	if err := checkPopulation(players, round); err != nil {
		return nil, err
	}

	half := len(players) / 2
	a, b := players[:half], players[half:]
	shift := (round - 1) % len(b)

	groups := make([]Group, half)
	for i := range a {
		groups[i] = Group{a[i], b[(i+shift)%len(b)]}
	}
	return groups, nil
}
