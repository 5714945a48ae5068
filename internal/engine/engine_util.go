package engine

import (
	"sort"
	"time"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
)

// RosterFromPlacements lists the tokens on a scene that belong to a team.
func RosterFromPlacements(placements board.Keyed[board.Placement], sceneID string) []Combatant {
	roster := []Combatant{}
	for id, p := range placements {
		if p.SceneID != sceneID || !p.Team.Valid() {
			continue
		}
		roster = append(roster, Combatant{ID: id, Team: p.Team})
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// ApplyToScene runs cmd against one scene of doc in place, deriving the
// roster from the scene's placements. Use it from a store mutator.
func ApplyToScene(doc *board.BoardDocument, sceneID string, cmd Command, now time.Time) ([]Event, error) {
	sc := doc.Scene(sceneID)
	events, combat, err := Apply(sc.Combat, RosterFromPlacements(doc.Placements, sceneID), cmd, now)
	if err != nil {
		return nil, err
	}
	sc.Combat = combat
	doc.SceneState[sceneID] = sc
	return events, nil
}
