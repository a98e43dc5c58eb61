package engine

// NewState builds the lobby-status state for a validated config. Seats start
// unoccupied with the full currency budget.
func NewState(cfg Config) State {
	seats := make([]Seat, cfg.NumPlayers)
	for i := range seats {
		seats[i] = Seat{Index: i, Currency: cfg.TechTreeCurrency, Picks: []Pick{}}
	}
	return State{
		Config:  cfg,
		Status:  StatusLobby,
		Seats:   seats,
		Claimed: map[int]int{},
		Banned:  map[int]bool{},
	}
}

// Clone deep-copies the state. The copy shares no mutable memory with s, so
// holders of an earlier state value never observe later mutations.
func (s State) Clone() State {
	ns := s
	ns.Seats = make([]Seat, len(s.Seats))
	copy(ns.Seats, s.Seats)
	for i := range ns.Seats {
		picks := make([]Pick, len(s.Seats[i].Picks))
		copy(picks, s.Seats[i].Picks)
		ns.Seats[i].Picks = picks
	}
	ns.Claimed = make(map[int]int, len(s.Claimed))
	for k, v := range s.Claimed {
		ns.Claimed[k] = v
	}
	ns.Banned = make(map[int]bool, len(s.Banned))
	for k, v := range s.Banned {
		ns.Banned[k] = v
	}
	return ns
}

// Spent sums the pick costs of one seat.
func Spent(seat Seat) int {
	total := 0
	for _, p := range seat.Picks {
		total += p.Cost
	}
	return total
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
