package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
)

var now = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func newRoster() []Combatant {
	return []Combatant{
		{ID: "fighter", Team: board.TeamPlayers},
		{ID: "wizard", Team: board.TeamPlayers},
		{ID: "goblin", Team: board.TeamEnemies},
	}
}

func startedCombat(t *testing.T) board.CombatState {
	t.Helper()
	_, s, err := Apply(board.CombatState{}, newRoster(), Command{Type: CmdStartCombat, Team: board.TeamPlayers}, now)
	if err != nil {
		t.Fatalf("start combat: %v", err)
	}
	return s
}

func takeTurn(t *testing.T, s board.CombatState, id string) ([]Event, board.CombatState) {
	t.Helper()
	_, s, err := Apply(s, newRoster(), Command{Type: CmdStartTurn, CombatantID: id, UserID: "u-" + id}, now)
	if err != nil {
		t.Fatalf("start turn %s: %v", id, err)
	}
	events, s, err := Apply(s, newRoster(), Command{Type: CmdEndTurn}, now)
	if err != nil {
		t.Fatalf("end turn %s: %v", id, err)
	}
	return events, s
}

func TestStartCombat_Resets(t *testing.T) {
	dirty := board.CombatState{
		Active:                true,
		Round:                 4,
		ActiveCombatantID:     "goblin",
		CompletedCombatantIDs: board.NewIDSet("fighter"),
		RoundTurnCount:        2,
		EndedAt:               123,
	}
	events, s, err := Apply(dirty, newRoster(), Command{Type: CmdStartCombat, Team: board.TeamEnemies}, now)
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if !ContainsEvent(events, EvtCombatStarted) {
		t.Fatalf("expected EvtCombatStarted")
	}
	if !s.Active || s.Round != 1 || s.ActiveCombatantID != "" || len(s.CompletedCombatantIDs) != 0 ||
		s.RoundTurnCount != 0 || s.EndedAt != 0 {
		t.Fatalf("combat not reset: %+v", s)
	}
	if s.StartingTeam != board.TeamEnemies || s.CurrentTeam != board.TeamEnemies {
		t.Fatalf("want enemies to start, got %+v", s)
	}
	if s.UpdatedAt != now.UnixMilli() {
		t.Fatalf("updatedAt not stamped")
	}
}

func TestTurnCommandsRejected(t *testing.T) {
	running := startedCombat(t)
	_, inTurn, err := Apply(running, newRoster(), Command{Type: CmdStartTurn, CombatantID: "fighter"}, now)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}

	cases := []struct {
		name  string
		setup board.CombatState
		cmd   Command
		want  error
	}{
		{
			name:  "inactive combat",
			setup: board.CombatState{},
			cmd:   Command{Type: CmdStartTurn, CombatantID: "fighter"},
			want:  ErrCombatInactive,
		},
		{
			name:  "wrong team",
			setup: running,
			cmd:   Command{Type: CmdStartTurn, CombatantID: "goblin"},
			want:  ErrWrongTurn,
		},
		{
			name:  "unknown combatant",
			setup: running,
			cmd:   Command{Type: CmdStartTurn, CombatantID: "dragon"},
			want:  ErrUnknownCombatant,
		},
		{
			name:  "turn already in progress",
			setup: inTurn,
			cmd:   Command{Type: CmdStartTurn, CombatantID: "wizard"},
			want:  ErrTurnInProgress,
		},
		{
			name:  "end turn with nobody acting",
			setup: running,
			cmd:   Command{Type: CmdEndTurn},
			want:  ErrNoActiveTurn,
		},
		{
			name:  "start combat with bad team",
			setup: board.CombatState{},
			cmd:   Command{Type: CmdStartCombat, Team: "pirates"},
			want:  ErrInvalidTeam,
		},
		{
			name:  "unsupported",
			setup: running,
			cmd:   Command{Type: "Flee"},
			want:  ErrUnsupportedCommand,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, got, err := Apply(tc.setup, newRoster(), tc.cmd, now)
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
			if got.ActiveCombatantID != tc.setup.ActiveCombatantID || got.Round != tc.setup.Round {
				t.Fatalf("state changed on rejected command")
			}
		})
	}
}

func TestEndTurn_AlternatesTeams(t *testing.T) {
	s := startedCombat(t)

	events, s := takeTurn(t, s, "fighter")
	if !ContainsEvent(events, EvtTeamChanged) || s.CurrentTeam != board.TeamEnemies {
		t.Fatalf("want enemies after fighter, got %v", s.CurrentTeam)
	}
	if s.LastTeam != board.TeamPlayers || s.RoundTurnCount != 1 {
		t.Fatalf("bookkeeping wrong: %+v", s)
	}
	if _, locked := s.TurnLocks["fighter"]; locked {
		t.Fatalf("turn lock not released")
	}

	// goblin is the only enemy; players still have the wizard
	_, s = takeTurn(t, s, "goblin")
	if s.CurrentTeam != board.TeamPlayers {
		t.Fatalf("want players after goblin, got %v", s.CurrentTeam)
	}

	// nobody left on either side: round rolls over
	events, s = takeTurn(t, s, "wizard")
	if !ContainsEvent(events, EvtRoundAdvanced) {
		t.Fatalf("expected EvtRoundAdvanced")
	}
	if s.Round != 2 || len(s.CompletedCombatantIDs) != 0 || s.RoundTurnCount != 0 || s.CurrentTeam != board.TeamPlayers {
		t.Fatalf("round not reset: %+v", s)
	}
}

func TestEndTurn_SameTeamWhenOtherExhausted(t *testing.T) {
	roster := []Combatant{
		{ID: "a", Team: board.TeamPlayers},
		{ID: "b", Team: board.TeamPlayers},
	}
	_, s, _ := Apply(board.CombatState{}, roster, Command{Type: CmdStartCombat, Team: board.TeamPlayers}, now)
	_, s, _ = Apply(s, roster, Command{Type: CmdStartTurn, CombatantID: "a"}, now)
	events, s, err := Apply(s, roster, Command{Type: CmdEndTurn}, now)
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if ContainsEvent(events, EvtTeamChanged) || s.CurrentTeam != board.TeamPlayers {
		t.Fatalf("players should keep acting, got %v", s.CurrentTeam)
	}
}

func TestEndCombat_Freezes(t *testing.T) {
	s := startedCombat(t)
	_, s, _ = Apply(s, newRoster(), Command{Type: CmdStartTurn, CombatantID: "fighter", UserID: "u1"}, now)

	later := now.Add(time.Minute)
	_, ended, err := Apply(s, newRoster(), Command{Type: CmdEndCombat}, later)
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if ended.Active || ended.EndedAt != later.UnixMilli() || ended.ActiveCombatantID != "" || len(ended.TurnLocks) != 0 {
		t.Fatalf("combat not frozen: %+v", ended)
	}
	if _, _, err := Apply(ended, newRoster(), Command{Type: CmdStartTurn, CombatantID: "wizard"}, later); !errors.Is(err, ErrCombatInactive) {
		t.Fatalf("want ErrCombatInactive after end, got %v", err)
	}
}

func TestApply_DoesNotAliasInput(t *testing.T) {
	s := startedCombat(t)
	_, _, _ = Apply(s, newRoster(), Command{Type: CmdStartTurn, CombatantID: "fighter", UserID: "u1"}, now)
	if len(s.TurnLocks) != 0 {
		t.Fatalf("input state mutated: %+v", s.TurnLocks)
	}
}

func TestApplyToScene(t *testing.T) {
	doc := board.NewDocument()
	doc.Placements["fighter"] = board.Placement{SceneID: "s1", Team: board.TeamPlayers}
	doc.Placements["tree"] = board.Placement{SceneID: "s1"}

	if _, err := ApplyToScene(&doc, "s1", Command{Type: CmdStartCombat, Team: board.TeamPlayers}, now); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := ApplyToScene(&doc, "s1", Command{Type: CmdStartTurn, CombatantID: "tree"}, now); !errors.Is(err, ErrUnknownCombatant) {
		t.Fatalf("tokens without a team are not combatants, got %v", err)
	}
	if !doc.SceneState["s1"].Combat.Active {
		t.Fatalf("combat not stored on scene")
	}
}
