package engine

// basePhases is the fixed draft progression; a bans round is prepended when
// the config enables it.
var basePhases = []Phase{
	PhaseCivBonuses,
	PhaseUniqueUnits,
	PhaseUniqueTechsCastle,
	PhaseUniqueTechsImperial,
	PhaseTeamBonuses,
	PhaseTechTree,
}

func PhaseOrder(cfg Config) []Phase {
	if !cfg.BanPhase {
		return basePhases
	}
	order := make([]Phase, 0, len(basePhases)+1)
	order = append(order, PhaseBans)
	return append(order, basePhases...)
}

// RoundsFor returns how many rounds a phase repeats. Bans and the tech tree
// run exactly once; every bonus phase runs the configured round count.
func RoundsFor(cfg Config, p Phase) int {
	switch p {
	case PhaseBans, PhaseTechTree:
		return 1
	}
	return cfg.Rounds
}

func NextPhase(cfg Config, p Phase) (Phase, bool) {
	order := PhaseOrder(cfg)
	for i, ph := range order {
		if ph == p {
			if i+1 < len(order) {
				return order[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// SeatOrder returns the snake order for one round: odd rounds run 0..N-1,
// even rounds run N-1..0, equalizing pick priority across rounds.
func SeatOrder(numPlayers, round int) []int {
	order := make([]int, numPlayers)
	for i := range order {
		if round%2 == 1 {
			order[i] = i
		} else {
			order[i] = numPlayers - 1 - i
		}
	}
	return order
}

// ActiveSeat returns the seat allowed to act, or -1 outside of drafting.
func ActiveSeat(s State) int {
	if s.Status != StatusDrafting {
		return -1
	}
	order := SeatOrder(s.Config.NumPlayers, s.Round)
	if s.Turn < 0 || s.Turn >= len(order) {
		return -1
	}
	return order[s.Turn]
}
