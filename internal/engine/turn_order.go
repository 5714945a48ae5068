package engine

import "github.com/DoyleJ11/tabletop-sync/internal/board"

// Sides alternate after every turn while both still have someone left to
// act. When one side is exhausted the other keeps going; when both are, the
// round rolls over and the starting side goes first again.

func OtherTeam(t board.Team) board.Team {
	switch t {
	case board.TeamPlayers:
		return board.TeamEnemies
	case board.TeamEnemies:
		return board.TeamPlayers
	default:
		return ""
	}
}

func remaining(s board.CombatState, roster []Combatant, team board.Team) int {
	n := 0
	for _, c := range roster {
		if c.Team == team && !s.CompletedCombatantIDs.Has(c.ID) {
			n++
		}
	}
	return n
}

// nextTeam picks the side that acts after the turn just recorded in s.
func nextTeam(s board.CombatState, roster []Combatant) (board.Team, bool) {
	other := OtherTeam(s.CurrentTeam)
	switch {
	case remaining(s, roster, other) > 0:
		return other, false
	case remaining(s, roster, s.CurrentTeam) > 0:
		return s.CurrentTeam, false
	default:
		return s.StartingTeam, true
	}
}
