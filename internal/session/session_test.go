package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fritz-net/AoE2-Civbuilder/internal/engine"
	"github.com/fritz-net/AoE2-Civbuilder/internal/export"
)

type stubCatalog map[int]engine.Option

func (c stubCatalog) Option(id int) (engine.Option, bool) {
	o, ok := c[id]
	return o, ok
}

var testCatalog = stubCatalog{
	1:  {ID: 1, Phase: engine.PhaseCivBonuses, Rarity: engine.RarityCommon, Cost: 10},
	10: {ID: 10, Phase: engine.PhaseUniqueUnits, Rarity: engine.RarityCommon, Cost: 20},
	11: {ID: 11, Phase: engine.PhaseUniqueUnits, Rarity: engine.RarityCommon, Cost: 20},
	20: {ID: 20, Phase: engine.PhaseUniqueTechsCastle, Rarity: engine.RarityCommon, Cost: 15},
	21: {ID: 21, Phase: engine.PhaseUniqueTechsCastle, Rarity: engine.RarityCommon, Cost: 15},
	30: {ID: 30, Phase: engine.PhaseUniqueTechsImperial, Rarity: engine.RarityCommon, Cost: 15},
	31: {ID: 31, Phase: engine.PhaseUniqueTechsImperial, Rarity: engine.RarityCommon, Cost: 15},
	40: {ID: 40, Phase: engine.PhaseTeamBonuses, Rarity: engine.RarityCommon, Cost: 10},
	50: {ID: 50, Phase: engine.PhaseTechTree, Rarity: engine.RarityCommon, Cost: 30},
}

type stubExporter struct {
	url string
	err error
}

func (e stubExporter) Export(context.Context, export.Bundle) (string, error) {
	return e.url, e.err
}

func testConfig() engine.Config {
	return engine.Config{
		NumPlayers:       2,
		Rounds:           1,
		TechTreeCurrency: 200,
		AllowedRarities:  [engine.NumRarities]bool{true, true, true, true, true},
	}
}

// helper: receive one outbound with a timeout so tests never hang
func recvOutbound(t *testing.T, ch <-chan Outbound, within time.Duration) Outbound {
	t.Helper()
	select {
	case ob, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return ob
	case <-time.After(within):
		t.Fatalf("timed out waiting for outbound")
		return Outbound{} // unreachable
	}
}

// helper: drain snapshots until pred matches
func waitSnapshot(t *testing.T, ch <-chan Outbound, within time.Duration, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ob, ok := <-ch:
			if !ok {
				t.Fatalf("client outbox closed while waiting for snapshot")
			}
			if ob.Snapshot != nil && pred(*ob.Snapshot) {
				return *ob.Snapshot
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
			return Snapshot{} // unreachable
		}
	}
}

// helper: drain outbounds until an error arrives
func waitError(t *testing.T, ch <-chan Outbound, within time.Duration) ClientError {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ob, ok := <-ch:
			if !ok {
				t.Fatalf("client outbox closed while waiting for error")
			}
			if ob.Err != nil {
				return *ob.Err
			}
		case <-deadline:
			t.Fatalf("timed out waiting for error")
			return ClientError{} // unreachable
		}
	}
}

func recvNothing(t *testing.T, ch <-chan Outbound, within time.Duration) {
	t.Helper()
	select {
	case ob, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected nothing within %v, got %+v", within, ob)
	case <-time.After(within):
	}
}

func join(t *testing.T, s *Session, clientID string, role Role, seat int, name string, buf int) chan Outbound {
	t.Helper()
	out := make(chan Outbound, buf)
	reply := make(chan JoinResult, 1)
	s.Inbox() <- Join{ClientID: clientID, Role: role, Seat: seat, Name: name, Outbox: out, Reply: reply}
	res := <-reply
	if res.Err != nil {
		t.Fatalf("join %s failed: %v", clientID, res.Err)
	}
	return out
}

func newTestSession(t *testing.T, cfg engine.Config, deps Deps) *Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if deps.Catalog == nil {
		deps.Catalog = testCatalog
	}
	return New(ctx, "TESTDRAFT1234567", engine.NewState(cfg), deps)
}

func TestSession_JoinBroadcastsSnapshot(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})

	out := join(t, s, "c1", RoleHost, -1, "alice", 8)
	ob := recvOutbound(t, out, 100*time.Millisecond)
	if ob.Snapshot == nil {
		t.Fatalf("want snapshot, got %+v", ob)
	}
	seat := ob.Snapshot.State.Seats[0]
	if !seat.Occupied || !seat.Connected || seat.Name != "alice" {
		t.Fatalf("seat 0 not attached: %+v", seat)
	}
	if ob.Snapshot.State.Status != engine.StatusLobby {
		t.Fatalf("want lobby, got %v", ob.Snapshot.State.Status)
	}
}

// Delivered snapshots are values: later joins and leaves must never show
// through a snapshot a client already holds.
func TestSession_DeliveredSnapshotsAreImmutable(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})

	watcher := join(t, s, "w", RoleSpectator, -1, "", 64)
	first := waitSnapshot(t, watcher, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Status == engine.StatusLobby
	})

	join(t, s, "p", RolePlayer, -1, "bob", 64)
	joined := waitSnapshot(t, watcher, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Seats[0].Connected
	})
	if first.State.Seats[0].Occupied || first.State.Seats[0].Name != "" {
		t.Fatalf("snapshot delivered before the join was mutated: %+v", first.State.Seats[0])
	}

	s.Inbox() <- Leave{ClientID: "p"}
	waitSnapshot(t, watcher, 200*time.Millisecond, func(s Snapshot) bool {
		return !s.State.Seats[0].Connected
	})
	if !joined.State.Seats[0].Connected {
		t.Fatalf("snapshot delivered before the leave was mutated: %+v", joined.State.Seats[0])
	}
}

func TestSession_DoneClosesOnShutdown(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})

	s.Inbox() <- Shutdown{}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done must be closed after shutdown")
	}
}

func TestSession_ReadyUpStartsDraft(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})

	host := join(t, s, "h", RoleHost, -1, "alice", 64)
	player := join(t, s, "p", RolePlayer, -1, "bob", 64)

	s.Inbox() <- FromClient{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSetReady}}
	s.Inbox() <- FromClient{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSetReady}}

	snap := waitSnapshot(t, host, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Status == engine.StatusDrafting
	})
	if engine.ActiveSeat(snap.State) != 0 {
		t.Fatalf("want seat 0 active at draft start, got %d", engine.ActiveSeat(snap.State))
	}
	if snap.State.Phase != engine.PhaseCivBonuses || snap.State.Round != 1 {
		t.Fatalf("want civ_bonuses round 1, got %v round %d", snap.State.Phase, snap.State.Round)
	}
	// The other client sees the same thing.
	waitSnapshot(t, player, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Status == engine.StatusDrafting
	})
}

func TestSession_RejectionsGoToSenderOnly(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})

	host := join(t, s, "h", RoleHost, -1, "alice", 64)
	player := join(t, s, "p", RolePlayer, -1, "bob", 64)

	s.Inbox() <- FromClient{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSetReady}}
	s.Inbox() <- FromClient{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSetReady}}
	waitSnapshot(t, host, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Status == engine.StatusDrafting
	})
	waitSnapshot(t, player, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Status == engine.StatusDrafting
	})

	// Seat 1 acts out of turn: error to the sender, no broadcast.
	s.Inbox() <- FromClient{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 1}}
	ob := recvOutbound(t, player, 200*time.Millisecond)
	if ob.Err == nil || ob.Err.Code != "not_your_turn" {
		t.Fatalf("want not_your_turn error, got %+v", ob)
	}
	recvNothing(t, host, 100*time.Millisecond)

	// Seat 0's valid pick reaches everyone, currency deducted.
	s.Inbox() <- FromClient{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 1}}
	snap := waitSnapshot(t, player, 200*time.Millisecond, func(s Snapshot) bool {
		return len(s.State.Seats[0].Picks) == 1
	})
	if snap.State.Seats[0].Currency != 190 {
		t.Fatalf("want currency 190 after pick, got %d", snap.State.Seats[0].Currency)
	}
	if engine.ActiveSeat(snap.State) != 1 {
		t.Fatalf("want seat 1 active, got %d", engine.ActiveSeat(snap.State))
	}
}

func TestSession_FullDraftCompletesWithArtifact(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{
		Exporter: stubExporter{url: "http://mods.example/abc.zip"},
	})

	host := join(t, s, "h", RoleHost, -1, "alice", 64)
	join(t, s, "p", RolePlayer, -1, "bob", 64)

	cmds := []FromClient{
		{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSetReady}},
		{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSetReady}},
		// civ bonuses
		{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 1}},
		{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 1}},
		// unique units (single-owner: distinct picks)
		{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 10}},
		{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 11}},
		// castle techs
		{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 20}},
		{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 21}},
		// imperial techs
		{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 30}},
		{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 31}},
		// team bonuses
		{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 40}},
		{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSubmitPick, OptionID: 40}},
		// tech tree
		{ClientID: "h", Cmd: engine.Command{Type: engine.CmdAllocateTree, NodeIDs: []int{50}}},
		{ClientID: "p", Cmd: engine.Command{Type: engine.CmdEndTurn}},
	}
	for _, c := range cmds {
		s.Inbox() <- c
	}

	snap := waitSnapshot(t, host, 2*time.Second, func(s Snapshot) bool {
		return s.State.Status == engine.StatusComplete
	})
	if snap.State.Export.ArtifactURL != "http://mods.example/abc.zip" {
		t.Fatalf("artifact url missing: %+v", snap.State.Export)
	}
	if snap.State.Seats[0].Currency != 200-10-20-15-15-10-30 {
		t.Fatalf("seat 0 currency wrong: %d", snap.State.Seats[0].Currency)
	}
}

func TestSession_ExportFailureReported(t *testing.T) {
	s := newTestSession(t, engine.Config{
		NumPlayers:       1,
		Rounds:           1,
		TechTreeCurrency: 100,
		AllowedRarities:  [engine.NumRarities]bool{true, true, true, true, true},
	}, Deps{
		Exporter: stubExporter{err: errors.New("builder down")},
	})

	host := join(t, s, "h", RoleHost, -1, "solo", 64)
	s.Inbox() <- FromClient{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSetReady}}
	for i := 0; i < 5; i++ {
		s.Inbox() <- FromClient{ClientID: "h", Cmd: engine.Command{Type: engine.CmdEndTurn}}
	}
	s.Inbox() <- FromClient{ClientID: "h", Cmd: engine.Command{Type: engine.CmdAllocateTree}}

	snap := waitSnapshot(t, host, 2*time.Second, func(s Snapshot) bool {
		return s.State.Export.Status == "failed"
	})
	if snap.State.Status != engine.StatusFinalizing {
		t.Fatalf("failed export must leave the session finalizing, got %v", snap.State.Status)
	}
}

func TestSession_TurnTimerSynthesizesPass(t *testing.T) {
	cfg := testConfig()
	cfg.TurnTimerSec = 1
	s := newTestSession(t, cfg, Deps{})

	host := join(t, s, "h", RoleHost, -1, "alice", 64)
	join(t, s, "p", RolePlayer, -1, "bob", 64)
	s.Inbox() <- FromClient{ClientID: "h", Cmd: engine.Command{Type: engine.CmdSetReady}}
	s.Inbox() <- FromClient{ClientID: "p", Cmd: engine.Command{Type: engine.CmdSetReady}}
	waitSnapshot(t, host, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Status == engine.StatusDrafting
	})

	// Nobody acts; the timer passes for seat 0.
	snap := waitSnapshot(t, host, 2500*time.Millisecond, func(s Snapshot) bool {
		return engine.ActiveSeat(s.State) == 1
	})
	if len(snap.State.Seats[0].Picks) != 0 {
		t.Fatalf("synthesized pass must not record a pick")
	}
}

func TestSession_AbortIsHostOnly(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{AbortGrace: time.Minute})

	host := join(t, s, "h", RoleHost, -1, "alice", 64)
	player := join(t, s, "p", RolePlayer, -1, "bob", 64)

	s.Inbox() <- FromClient{ClientID: "p", Cmd: engine.Command{Type: engine.CmdAbort}}
	if cerr := waitError(t, player, 200*time.Millisecond); cerr.Code != "forbidden" {
		t.Fatalf("want forbidden, got %+v", cerr)
	}

	s.Inbox() <- FromClient{ClientID: "h", Cmd: engine.Command{Type: engine.CmdAbort}}
	waitSnapshot(t, host, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Status == engine.StatusAborted
	})
	waitSnapshot(t, player, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Status == engine.StatusAborted
	})
}

func TestSession_ReconnectKeepsSeat(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})

	join(t, s, "c1", RolePlayer, -1, "bob", 64)
	s.Inbox() <- Leave{ClientID: "c1"}

	// Rejoining lands on the same seat, name preserved.
	out := make(chan Outbound, 8)
	reply := make(chan JoinResult, 1)
	s.Inbox() <- Join{ClientID: "c2", Role: RolePlayer, Seat: -1, Outbox: out, Reply: reply}
	res := <-reply
	if res.Err != nil || res.Seat != 0 {
		t.Fatalf("want seat 0 on reconnect, got %+v", res)
	}
	snap := waitSnapshot(t, out, 200*time.Millisecond, func(s Snapshot) bool {
		return s.State.Seats[0].Connected
	})
	if snap.State.Seats[0].Name != "bob" {
		t.Fatalf("name lost on reconnect: %+v", snap.State.Seats[0])
	}
}

func TestSession_DropSlowClient(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})

	// Buffer of 1: the join snapshot fills it, the next broadcast drops us.
	join(t, s, "slow", RolePlayer, -1, "bob", 1)
	join(t, s, "fast", RoleSpectator, -1, "", 64)

	reply := make(chan View, 1)
	s.Inbox() <- GetState{Reply: reply}
	select {
	case v := <-reply:
		if v.NumClients != 1 {
			t.Fatalf("expected slow client to be dropped; NumClients=%d", v.NumClients)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for view")
	}
}

func TestSession_SpectatorCannotAct(t *testing.T) {
	s := newTestSession(t, testConfig(), Deps{})

	spec := join(t, s, "spec", RoleSpectator, -1, "", 64)
	s.Inbox() <- FromClient{ClientID: "spec", Cmd: engine.Command{Type: engine.CmdSetReady}}
	if cerr := waitError(t, spec, 300*time.Millisecond); cerr.Code != "forbidden" {
		t.Fatalf("want forbidden, got %+v", cerr)
	}
}

func TestSession_SecondPlayerJoinFailsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.NumPlayers = 1
	s := newTestSession(t, cfg, Deps{})

	join(t, s, "p1", RolePlayer, -1, "a", 8)

	out := make(chan Outbound, 8)
	reply := make(chan JoinResult, 1)
	s.Inbox() <- Join{ClientID: "p2", Role: RolePlayer, Seat: -1, Name: "b", Outbox: out, Reply: reply}
	res := <-reply
	if !errors.Is(res.Err, ErrSessionFull) {
		t.Fatalf("want ErrSessionFull, got %v", res.Err)
	}
}
