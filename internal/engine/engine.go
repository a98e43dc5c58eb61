package engine

import (
	"errors"
	"fmt"
)

var ErrConfigInvalid = errors.New("invalid draft config")
var ErrNotYourTurn = errors.New("not your turn")
var ErrPhaseMismatch = errors.New("phase mismatch")
var ErrRarityNotAllowed = errors.New("rarity not allowed")
var ErrInsufficientCurrency = errors.New("insufficient currency")
var ErrAlreadyClaimed = errors.New("option already claimed")
var ErrUnknownOption = errors.New("unknown option")
var ErrUnknownSeat = errors.New("unknown seat")
var ErrDraftComplete = errors.New("draft already completed")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Status string

const (
	StatusLobby      Status = "lobby"
	StatusDrafting   Status = "drafting"
	StatusFinalizing Status = "finalizing"
	StatusComplete   Status = "complete"
	StatusAborted    Status = "aborted"
)

type Phase string

const (
	PhaseBans                Phase = "bans"
	PhaseCivBonuses          Phase = "civ_bonuses"
	PhaseUniqueUnits         Phase = "unique_units"
	PhaseUniqueTechsCastle   Phase = "unique_techs_castle"
	PhaseUniqueTechsImperial Phase = "unique_techs_imperial"
	PhaseTeamBonuses         Phase = "team_bonuses"
	PhaseTechTree            Phase = "tech_tree"
	PhaseDone                Phase = "done"
)

// Rarity is one of the five fixed tiers an option is classified under.
type Rarity int

const (
	RarityCommon Rarity = iota
	RarityUncommon
	RarityRare
	RarityEpic
	RarityLegendary
	NumRarities = 5
)

const (
	MaxPlayers  = 8
	MaxRounds   = 10
	MaxCurrency = 10000
)

type Config struct {
	NumPlayers       int               `json:"num_players"`
	Rounds           int               `json:"rounds"`
	TechTreeCurrency int               `json:"techtree_currency"`
	AllowedRarities  [NumRarities]bool `json:"allowed_rarities"`
	Civs             bool              `json:"civs"`
	BanPhase         bool              `json:"ban_phase"`
	TurnTimerSec     int               `json:"turn_timer_sec"`
}

func (c Config) Validate() error {
	if c.NumPlayers < 1 || c.NumPlayers > MaxPlayers {
		return fmt.Errorf("%w: num_players must be in [1,%d], got %d", ErrConfigInvalid, MaxPlayers, c.NumPlayers)
	}
	if c.Rounds < 1 || c.Rounds > MaxRounds {
		return fmt.Errorf("%w: rounds must be in [1,%d], got %d", ErrConfigInvalid, MaxRounds, c.Rounds)
	}
	if c.TechTreeCurrency < 0 || c.TechTreeCurrency > MaxCurrency {
		return fmt.Errorf("%w: techtree_currency must be in [0,%d], got %d", ErrConfigInvalid, MaxCurrency, c.TechTreeCurrency)
	}
	any := false
	for _, ok := range c.AllowedRarities {
		any = any || ok
	}
	if !any {
		return fmt.Errorf("%w: at least one rarity must be allowed", ErrConfigInvalid)
	}
	return nil
}

// Option is one draftable entry from the catalog: a civ/team bonus, a unique
// unit, a unique tech, or a tech tree node.
type Option struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Phase  Phase  `json:"phase"`
	Rarity Rarity `json:"rarity"`
	Cost   int    `json:"cost"`
}

// Catalog resolves option ids. Implemented by civdata.
type Catalog interface {
	Option(id int) (Option, bool)
}

type Pick struct {
	OptionID int   `json:"option_id"`
	Phase    Phase `json:"phase"`
	Round    int   `json:"round"`
	Cost     int   `json:"cost"`
}

type Seat struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Occupied  bool   `json:"occupied"`
	Connected bool   `json:"connected"`
	Ready     bool   `json:"ready"`
	Currency  int    `json:"currency"`
	Picks     []Pick `json:"picks"`
}

type ExportState struct {
	Status      string `json:"status,omitempty"` // pending | done | failed
	ArtifactURL string `json:"artifact_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

type State struct {
	Config  Config       `json:"config"`
	Status  Status       `json:"status"`
	Phase   Phase        `json:"phase,omitempty"`
	Round   int          `json:"round"`
	Turn    int          `json:"turn"` // cursor into the current round's seat order
	Seats   []Seat       `json:"seats"`
	Claimed map[int]int  `json:"claimed"` // option id -> owning seat, single-owner phases
	Banned  map[int]bool `json:"banned"`
	Export  ExportState  `json:"export"`
}

type CommandType string

const (
	CmdSetName      CommandType = "SetName"
	CmdSetReady     CommandType = "SetReady"
	CmdSubmitPick   CommandType = "SubmitPick"
	CmdEndTurn      CommandType = "EndTurn"
	CmdAllocateTree CommandType = "AllocateTree"
	CmdAbort        CommandType = "Abort"
)

type Command struct {
	Type     CommandType
	Seat     int
	Name     string
	OptionID int
	NodeIDs  []int
}

type EventType string

const (
	EvtDraftStarted  EventType = "DraftStarted"
	EvtOptionBanned  EventType = "OptionBanned"
	EvtPickAccepted  EventType = "PickAccepted"
	EvtTreeAllocated EventType = "TreeAllocated"
	EvtTurnAdvanced  EventType = "TurnAdvanced"
	EvtPhaseAdvanced EventType = "PhaseAdvanced"
	EvtFinalizing    EventType = "Finalizing"
	EvtAborted       EventType = "Aborted"
)

type Event struct {
	Type     EventType
	Seat     int
	OptionID int
	Phase    Phase
}

// Apply validates cmd against s and returns the resulting state. It never
// mutates s: rejections return the input state untouched, accepted commands
// return a deep copy with the mutation committed.
func Apply(s State, cmd Command, cat Catalog) ([]Event, State, error) {
	if s.Status == StatusComplete || s.Status == StatusAborted {
		return nil, s, ErrDraftComplete
	}

	if cmd.Type == CmdAbort {
		ns := s.Clone()
		ns.Status = StatusAborted
		return []Event{{Type: EvtAborted}}, ns, nil
	}

	switch cmd.Type {
	case CmdSetName:
		if s.Status != StatusLobby {
			return nil, s, ErrPhaseMismatch
		}
		if !validSeat(s, cmd.Seat) {
			return nil, s, ErrUnknownSeat
		}
		ns := s.Clone()
		ns.Seats[cmd.Seat].Name = cmd.Name
		return nil, ns, nil

	case CmdSetReady:
		if s.Status != StatusLobby {
			return nil, s, ErrPhaseMismatch
		}
		if !validSeat(s, cmd.Seat) || !s.Seats[cmd.Seat].Occupied {
			return nil, s, ErrUnknownSeat
		}
		if s.Seats[cmd.Seat].Ready {
			// Idempotent: re-readying is a no-op.
			return nil, s, nil
		}
		ns := s.Clone()
		ns.Seats[cmd.Seat].Ready = true
		if !allReady(ns) {
			return nil, ns, nil
		}
		ns.Status = StatusDrafting
		ns.Phase = PhaseOrder(ns.Config)[0]
		ns.Round = 1
		ns.Turn = 0
		return []Event{{Type: EvtDraftStarted}}, ns, nil

	case CmdSubmitPick:
		if err := requireTurn(s, cmd.Seat); err != nil {
			return nil, s, err
		}
		opt, ok := cat.Option(cmd.OptionID)
		if !ok {
			return nil, s, ErrUnknownOption
		}
		if opt.Phase == PhaseTechTree {
			// Tree nodes go through AllocateTree.
			return nil, s, ErrPhaseMismatch
		}

		if s.Phase == PhaseBans {
			if s.Banned[opt.ID] {
				return nil, s, ErrAlreadyClaimed
			}
			ns := s.Clone()
			ns.Banned[opt.ID] = true
			ns.Seats[cmd.Seat].Picks = append(ns.Seats[cmd.Seat].Picks,
				Pick{OptionID: opt.ID, Phase: PhaseBans, Round: ns.Round})
			events := []Event{{Type: EvtOptionBanned, Seat: cmd.Seat, OptionID: opt.ID}}
			return append(events, advance(&ns)...), ns, nil
		}

		if opt.Phase != s.Phase {
			return nil, s, ErrPhaseMismatch
		}
		if !s.Config.AllowedRarities[opt.Rarity] {
			return nil, s, ErrRarityNotAllowed
		}
		if opt.Cost > s.Seats[cmd.Seat].Currency {
			return nil, s, ErrInsufficientCurrency
		}
		if s.Banned[opt.ID] || hasPick(s.Seats[cmd.Seat], opt.ID) {
			return nil, s, ErrAlreadyClaimed
		}
		if singleOwner(opt.Phase) {
			if _, taken := s.Claimed[opt.ID]; taken {
				return nil, s, ErrAlreadyClaimed
			}
		}

		ns := s.Clone()
		seat := &ns.Seats[cmd.Seat]
		seat.Currency -= opt.Cost
		seat.Picks = append(seat.Picks, Pick{OptionID: opt.ID, Phase: ns.Phase, Round: ns.Round, Cost: opt.Cost})
		if singleOwner(opt.Phase) {
			ns.Claimed[opt.ID] = cmd.Seat
		}
		events := []Event{{Type: EvtPickAccepted, Seat: cmd.Seat, OptionID: opt.ID}}
		return append(events, advance(&ns)...), ns, nil

	case CmdEndTurn:
		if err := requireTurn(s, cmd.Seat); err != nil {
			return nil, s, err
		}
		ns := s.Clone()
		return advance(&ns), ns, nil

	case CmdAllocateTree:
		if err := requireTurn(s, cmd.Seat); err != nil {
			return nil, s, err
		}
		if s.Phase != PhaseTechTree {
			return nil, s, ErrPhaseMismatch
		}
		total := 0
		seen := make(map[int]bool, len(cmd.NodeIDs))
		for _, id := range cmd.NodeIDs {
			node, ok := cat.Option(id)
			if !ok {
				return nil, s, ErrUnknownOption
			}
			if node.Phase != PhaseTechTree {
				return nil, s, ErrPhaseMismatch
			}
			if seen[id] {
				return nil, s, ErrAlreadyClaimed
			}
			seen[id] = true
			total += node.Cost
		}
		if total > s.Seats[cmd.Seat].Currency {
			return nil, s, ErrInsufficientCurrency
		}

		ns := s.Clone()
		seat := &ns.Seats[cmd.Seat]
		seat.Currency -= total
		for _, id := range cmd.NodeIDs {
			node, _ := cat.Option(id)
			seat.Picks = append(seat.Picks, Pick{OptionID: id, Phase: PhaseTechTree, Round: ns.Round, Cost: node.Cost})
		}
		events := []Event{{Type: EvtTreeAllocated, Seat: cmd.Seat}}
		return append(events, advance(&ns)...), ns, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// advance moves the turn cursor, rolling over into the next round, the next
// phase, or finalizing once the tech tree round is exhausted.
func advance(ns *State) []Event {
	events := []Event{{Type: EvtTurnAdvanced}}
	ns.Turn++
	if ns.Turn < ns.Config.NumPlayers {
		return events
	}
	ns.Turn = 0
	ns.Round++
	if ns.Round <= RoundsFor(ns.Config, ns.Phase) {
		return events
	}
	next, ok := NextPhase(ns.Config, ns.Phase)
	if !ok {
		ns.Phase = PhaseDone
		ns.Status = StatusFinalizing
		ns.Export.Status = "pending"
		return append(events, Event{Type: EvtFinalizing})
	}
	ns.Phase = next
	ns.Round = 1
	return append(events, Event{Type: EvtPhaseAdvanced, Phase: next})
}

func requireTurn(s State, seat int) error {
	if s.Status != StatusDrafting {
		return ErrPhaseMismatch
	}
	if !validSeat(s, seat) {
		return ErrUnknownSeat
	}
	if ActiveSeat(s) != seat {
		return ErrNotYourTurn
	}
	return nil
}

func validSeat(s State, seat int) bool {
	return seat >= 0 && seat < len(s.Seats)
}

func hasPick(seat Seat, optionID int) bool {
	for _, p := range seat.Picks {
		if p.OptionID == optionID {
			return true
		}
	}
	return false
}

func singleOwner(p Phase) bool {
	switch p {
	case PhaseUniqueUnits, PhaseUniqueTechsCastle, PhaseUniqueTechsImperial:
		return true
	}
	return false
}

func allReady(s State) bool {
	for _, seat := range s.Seats {
		if !seat.Occupied || !seat.Ready {
			return false
		}
	}
	return true
}
