package board

import (
	"unicode/utf8"

	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
)

const (
	MaxIDLength       = 128
	MaxURLLength      = 2048
	MaxLabelLength    = 256
	MaxColorLength    = 32
	MaxDrawingPoints  = 5000
	MaxRevealedCells  = 100_000
	MaxEntriesPerSave = 10_000
)

// Sanitize validates the keys of an incoming delta and truncates its free
// text fields in place. Ids are rejected rather than truncated because a
// truncated id could silently collide with another entry.
func Sanitize(d *Delta) error {
	if d.ActiveSceneID != nil {
		if err := checkID("activeSceneId", *d.ActiveSceneID, true); err != nil {
			return err
		}
	}
	if d.MapURL != nil {
		v := Truncate(*d.MapURL, MaxURLLength)
		d.MapURL = &v
	}
	if n := len(d.Placements); n > MaxEntriesPerSave {
		return syncerr.Invalid("placements", "%d entries exceeds limit %d", n, MaxEntriesPerSave)
	}
	for id, p := range d.Placements {
		if err := checkID("placement id", id, false); err != nil {
			return err
		}
		if p == nil {
			continue
		}
		if err := checkID("placement sceneId", p.SceneID, true); err != nil {
			return err
		}
		p.Label = Truncate(p.Label, MaxLabelLength)
	}
	for sid, sd := range d.SceneState {
		if err := checkID("scene id", sid, false); err != nil {
			return err
		}
		if sd == nil {
			continue
		}
		if sd.Grid != nil {
			sd.Grid.Color = Truncate(sd.Grid.Color, MaxColorLength)
		}
		if sd.FogOfWar != nil {
			if n := len(sd.FogOfWar.RevealedCells); n > MaxRevealedCells {
				return syncerr.Invalid("revealedCells", "%d cells exceeds limit %d", n, MaxRevealedCells)
			}
			for k := range sd.FogOfWar.RevealedCells {
				if err := checkID("cell key", string(k), false); err != nil {
					return err
				}
			}
		}
		if sd.Combat != nil {
			if err := checkID("activeCombatantId", sd.Combat.ActiveCombatantID, true); err != nil {
				return err
			}
		}
	}
	for sid, items := range d.Templates {
		if err := checkID("scene id", sid, false); err != nil {
			return err
		}
		for id, t := range items {
			if err := checkID("template id", id, false); err != nil {
				return err
			}
			if t != nil {
				t.Color = Truncate(t.Color, MaxColorLength)
				t.OwnerID = Truncate(t.OwnerID, MaxIDLength)
			}
		}
	}
	for sid, items := range d.Drawings {
		if err := checkID("scene id", sid, false); err != nil {
			return err
		}
		for id, dr := range items {
			if err := checkID("drawing id", id, false); err != nil {
				return err
			}
			if dr == nil {
				continue
			}
			if len(dr.Points) > MaxDrawingPoints {
				dr.Points = dr.Points[:MaxDrawingPoints]
			}
			dr.Color = Truncate(dr.Color, MaxColorLength)
			dr.OwnerID = Truncate(dr.OwnerID, MaxIDLength)
		}
	}
	return nil
}

func checkID(field, id string, allowEmpty bool) error {
	if id == "" && !allowEmpty {
		return syncerr.Invalid(field, "must not be empty")
	}
	if len(id) > MaxIDLength {
		return syncerr.Invalid(field, "longer than %d bytes", MaxIDLength)
	}
	return nil
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
