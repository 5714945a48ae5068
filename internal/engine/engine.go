// Package engine advances per-scene combat: who acts, which team is up, and
// when a round rolls over. Apply is pure; callers run it inside a store
// mutation and persist the resulting scene fragment.
package engine

import (
	"errors"
	"time"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
)

var ErrCombatInactive = errors.New("combat is not active")
var ErrWrongTurn = errors.New("not this combatant's turn")
var ErrUnknownCombatant = errors.New("unknown combatant")
var ErrAlreadyActed = errors.New("combatant already acted this round")
var ErrTurnInProgress = errors.New("another turn is in progress")
var ErrNoActiveTurn = errors.New("no turn in progress")
var ErrInvalidTeam = errors.New("invalid team")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Combatant struct {
	ID   string
	Team board.Team
}

type CommandType string

const (
	CmdStartCombat CommandType = "StartCombat"
	CmdStartTurn   CommandType = "StartTurn"
	CmdEndTurn     CommandType = "EndTurn"
	CmdEndCombat   CommandType = "EndCombat"
)

/*
	CmdStartCombat -> EvtCombatStarted
	CmdStartTurn   -> EvtTurnStarted
	CmdEndTurn     -> EvtTurnEnded -> EvtTeamChanged | EvtRoundAdvanced (or neither when the same team goes again)
	CmdEndCombat   -> EvtCombatEnded
*/

type Command struct {
	Type        CommandType
	Team        board.Team
	CombatantID string
	UserID      string
}

type EventType string

const (
	EvtCombatStarted EventType = "CombatStarted"
	EvtTurnStarted   EventType = "TurnStarted"
	EvtTurnEnded     EventType = "TurnEnded"
	EvtTeamChanged   EventType = "TeamChanged"
	EvtRoundAdvanced EventType = "RoundAdvanced"
	EvtCombatEnded   EventType = "CombatEnded"
)

type Event struct {
	Type        EventType
	Team        board.Team
	CombatantID string
	Round       int
}

func Apply(s board.CombatState, roster []Combatant, cmd Command, now time.Time) ([]Event, board.CombatState, error) {
	newState := s.Clone()
	stamp := now.UnixMilli()

	switch cmd.Type {
	case CmdStartCombat:
		if !cmd.Team.Valid() {
			return nil, s, ErrInvalidTeam
		}
		// Starting always resets, even over a running combat.
		newState = board.CombatState{
			Active:                true,
			Round:                 1,
			CompletedCombatantIDs: board.IDSet{},
			StartingTeam:          cmd.Team,
			CurrentTeam:           cmd.Team,
			TurnLocks:             board.Keyed[string]{},
			UpdatedAt:             stamp,
		}
		return []Event{{Type: EvtCombatStarted, Team: cmd.Team, Round: 1}}, newState, nil

	case CmdStartTurn:
		if !s.Active {
			return nil, s, ErrCombatInactive
		}
		c, ok := findCombatant(roster, cmd.CombatantID)
		if !ok {
			return nil, s, ErrUnknownCombatant
		}
		if s.ActiveCombatantID != "" {
			return nil, s, ErrTurnInProgress
		}
		if c.Team != s.CurrentTeam {
			return nil, s, ErrWrongTurn
		}
		if s.CompletedCombatantIDs.Has(c.ID) {
			return nil, s, ErrAlreadyActed
		}

		newState.ActiveCombatantID = c.ID
		if cmd.UserID != "" {
			newState.TurnLocks[c.ID] = cmd.UserID
		}
		newState.UpdatedAt = stamp
		return []Event{{Type: EvtTurnStarted, Team: c.Team, CombatantID: c.ID, Round: s.Round}}, newState, nil

	case CmdEndTurn:
		if !s.Active {
			return nil, s, ErrCombatInactive
		}
		if s.ActiveCombatantID == "" {
			return nil, s, ErrNoActiveTurn
		}
		if cmd.CombatantID != "" && cmd.CombatantID != s.ActiveCombatantID {
			return nil, s, ErrWrongTurn
		}

		ended := s.ActiveCombatantID
		events := []Event{{Type: EvtTurnEnded, Team: s.CurrentTeam, CombatantID: ended, Round: s.Round}}

		newState.CompletedCombatantIDs.Add(ended)
		delete(newState.TurnLocks, ended)
		newState.ActiveCombatantID = ""
		newState.RoundTurnCount++
		newState.LastTeam = s.CurrentTeam

		next, newRound := nextTeam(newState, roster)
		if newRound {
			newState.Round++
			newState.CompletedCombatantIDs = board.IDSet{}
			newState.RoundTurnCount = 0
			newState.CurrentTeam = newState.StartingTeam
			events = append(events, Event{Type: EvtRoundAdvanced, Team: newState.CurrentTeam, Round: newState.Round})
		} else if next != s.CurrentTeam {
			newState.CurrentTeam = next
			events = append(events, Event{Type: EvtTeamChanged, Team: next, Round: newState.Round})
		}
		newState.UpdatedAt = stamp
		return events, newState, nil

	case CmdEndCombat:
		if !s.Active {
			return nil, s, ErrCombatInactive
		}
		newState.Active = false
		newState.ActiveCombatantID = ""
		newState.TurnLocks = board.Keyed[string]{}
		newState.EndedAt = stamp
		newState.UpdatedAt = stamp
		return []Event{{Type: EvtCombatEnded, Round: s.Round}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func findCombatant(roster []Combatant, id string) (Combatant, bool) {
	for _, c := range roster {
		if c.ID == id {
			return c, true
		}
	}
	return Combatant{}, false
}
