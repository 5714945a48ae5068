package board

import (
	"bytes"
	"encoding/json"
)

// Top-level fragment names carried in Delta.ChangedFields.
const (
	FieldActiveSceneID = "activeSceneId"
	FieldMapURL        = "mapUrl"
	FieldPlacements    = "placements"
	FieldSceneState    = "sceneState"
	FieldTemplates     = "templates"
	FieldDrawings      = "drawings"
)

var fieldOrder = []string{
	FieldActiveSceneID, FieldMapURL, FieldPlacements, FieldSceneState, FieldTemplates, FieldDrawings,
}

// SceneDelta carries only the scene sub-fields that changed.
type SceneDelta struct {
	Grid     *GridSettings  `json:"grid,omitempty"`
	FogOfWar *FogOfWarState `json:"fogOfWar,omitempty"`
	Combat   *CombatState   `json:"combat,omitempty"`
}

func (s *SceneDelta) UnmarshalJSON(b []byte) error {
	var raw struct {
		Grid     json.RawMessage `json:"grid"`
		FogOfWar json.RawMessage `json:"fogOfWar"`
		Combat   json.RawMessage `json:"combat"`
	}
	out := SceneDelta{}
	if json.Unmarshal(b, &raw) == nil {
		out.Grid = decodeOr[*GridSettings](raw.Grid, nil)
		out.FogOfWar = decodeOr[*FogOfWarState](raw.FogOfWar, nil)
		out.Combat = decodeOr[*CombatState](raw.Combat, nil)
	}
	*s = out
	return nil
}

func (s SceneDelta) empty() bool {
	return s.Grid == nil && s.FogOfWar == nil && s.Combat == nil
}

// Delta is the realtime wire envelope: changed top-level fragments plus the
// version and author that produced them. A nil entry in any keyed fragment
// means the entry was removed.
type Delta struct {
	Version       int64                   `json:"version"`
	Timestamp     int64                   `json:"timestamp"`
	AuthorID      string                  `json:"authorId"`
	AuthorRole    Role                    `json:"authorRole,omitempty"`
	ChangedFields []string                `json:"changedFields"`
	ActiveSceneID *string                 `json:"activeSceneId,omitempty"`
	MapURL        *string                 `json:"mapUrl,omitempty"`
	Placements    Keyed[*Placement]       `json:"placements,omitempty"`
	SceneState    Keyed[*SceneDelta]      `json:"sceneState,omitempty"`
	Templates     Keyed[Keyed[*Template]] `json:"templates,omitempty"`
	Drawings      Keyed[Keyed[*Drawing]]  `json:"drawings,omitempty"`
}

// Fields lists the fragments present in d, in canonical order.
func (d Delta) Fields() []string {
	present := map[string]bool{
		FieldActiveSceneID: d.ActiveSceneID != nil,
		FieldMapURL:        d.MapURL != nil,
		FieldPlacements:    len(d.Placements) > 0,
		FieldSceneState:    len(d.SceneState) > 0,
		FieldTemplates:     len(d.Templates) > 0,
		FieldDrawings:      len(d.Drawings) > 0,
	}
	fields := []string{}
	for _, f := range fieldOrder {
		if present[f] {
			fields = append(fields, f)
		}
	}
	return fields
}

func (d Delta) Empty() bool { return len(d.Fields()) == 0 }

// Merge applies d onto a copy of existing. Merging is per top-level
// fragment, per scene id, and per scene sub-field, so siblings absent from
// d survive. The result's version is the larger of the two.
func Merge(existing BoardDocument, d Delta) BoardDocument {
	out := existing.Clone()
	if d.ActiveSceneID != nil {
		out.ActiveSceneID = *d.ActiveSceneID
	}
	if d.MapURL != nil {
		out.MapURL = *d.MapURL
	}
	for id, p := range d.Placements {
		if p == nil {
			delete(out.Placements, id)
		} else {
			out.Placements[id] = *p
		}
	}
	for sid, sd := range d.SceneState {
		if sd == nil {
			delete(out.SceneState, sid)
			continue
		}
		sc := out.Scene(sid)
		if sd.Grid != nil {
			sc.Grid = *sd.Grid
		}
		if sd.FogOfWar != nil {
			sc.FogOfWar = sd.FogOfWar.Clone()
		}
		if sd.Combat != nil {
			sc.Combat = sd.Combat.Clone()
		}
		out.SceneState[sid] = sc
	}
	for sid, items := range d.Templates {
		if d.removesScene(sid) {
			continue
		}
		sc := out.Scene(sid)
		for id, t := range items {
			if t == nil {
				delete(sc.Templates, id)
			} else {
				sc.Templates[id] = *t
			}
		}
		out.SceneState[sid] = sc
	}
	for sid, items := range d.Drawings {
		if d.removesScene(sid) {
			continue
		}
		sc := out.Scene(sid)
		for id, dr := range items {
			if dr == nil {
				delete(sc.Drawings, id)
			} else {
				sc.Drawings[id] = dr.Clone()
			}
		}
		out.SceneState[sid] = sc
	}
	if d.Version > out.Version {
		out.Version = d.Version
	}
	Normalize(&out)
	return out
}

// removesScene reports whether d deletes scene sid outright. Template and
// drawing entries for that scene in the same delta are dropped.
func (d Delta) removesScene(sid string) bool {
	sd, ok := d.SceneState[sid]
	return ok && sd == nil
}

// Diff returns the fragments that turn before into after. Version and author
// fields are left for the caller to stamp.
func Diff(before, after BoardDocument) Delta {
	var d Delta
	if before.ActiveSceneID != after.ActiveSceneID {
		v := after.ActiveSceneID
		d.ActiveSceneID = &v
	}
	if before.MapURL != after.MapURL {
		v := after.MapURL
		d.MapURL = &v
	}

	d.Placements = Keyed[*Placement]{}
	for id, p := range after.Placements {
		if old, ok := before.Placements[id]; !ok || old != p {
			p := p
			d.Placements[id] = &p
		}
	}
	for id := range before.Placements {
		if _, ok := after.Placements[id]; !ok {
			d.Placements[id] = nil
		}
	}

	d.SceneState = Keyed[*SceneDelta]{}
	d.Templates = Keyed[Keyed[*Template]]{}
	d.Drawings = Keyed[Keyed[*Drawing]]{}
	for sid := range before.SceneState {
		if _, ok := after.SceneState[sid]; !ok {
			d.SceneState[sid] = nil
		}
	}
	for sid, sc := range after.SceneState {
		old, existed := before.SceneState[sid]
		if !existed {
			old = SceneState{}
		}
		sd := SceneDelta{}
		if !existed || old.Grid != sc.Grid {
			g := sc.Grid
			sd.Grid = &g
		}
		if !existed || !sameJSON(old.FogOfWar, sc.FogOfWar) {
			f := sc.FogOfWar.Clone()
			sd.FogOfWar = &f
		}
		if !existed || !sameJSON(old.Combat, sc.Combat) {
			c := sc.Combat.Clone()
			sd.Combat = &c
		}
		if !sd.empty() {
			d.SceneState[sid] = &sd
		}

		templates := Keyed[*Template]{}
		for id, t := range sc.Templates {
			if prev, ok := old.Templates[id]; !ok || prev != t {
				t := t
				templates[id] = &t
			}
		}
		for id := range old.Templates {
			if _, ok := sc.Templates[id]; !ok {
				templates[id] = nil
			}
		}
		if len(templates) > 0 {
			d.Templates[sid] = templates
		}

		drawings := Keyed[*Drawing]{}
		for id, dr := range sc.Drawings {
			if prev, ok := old.Drawings[id]; !ok || !sameJSON(prev, dr) {
				dr := dr.Clone()
				drawings[id] = &dr
			}
		}
		for id := range old.Drawings {
			if _, ok := sc.Drawings[id]; !ok {
				drawings[id] = nil
			}
		}
		if len(drawings) > 0 {
			d.Drawings[sid] = drawings
		}
	}
	d.ChangedFields = d.Fields()
	return d
}

// Compose folds next into prev as if both were applied in order. The result
// carries next's version and author.
func Compose(prev, next Delta) Delta {
	out := prev
	out.Version, out.Timestamp, out.AuthorID, out.AuthorRole = next.Version, next.Timestamp, next.AuthorID, next.AuthorRole
	if next.ActiveSceneID != nil {
		out.ActiveSceneID = next.ActiveSceneID
	}
	if next.MapURL != nil {
		out.MapURL = next.MapURL
	}
	out.Placements = composeKeyed(prev.Placements, next.Placements)

	out.SceneState = prev.SceneState.clone()
	for sid, sd := range next.SceneState {
		cur, ok := out.SceneState[sid]
		if sd == nil || !ok || cur == nil {
			out.SceneState[sid] = sd
			continue
		}
		merged := *cur
		if sd.Grid != nil {
			merged.Grid = sd.Grid
		}
		if sd.FogOfWar != nil {
			merged.FogOfWar = sd.FogOfWar
		}
		if sd.Combat != nil {
			merged.Combat = sd.Combat
		}
		out.SceneState[sid] = &merged
	}

	out.Templates = prev.Templates.clone()
	for sid, items := range next.Templates {
		out.Templates[sid] = composeKeyed(out.Templates[sid], items)
	}
	out.Drawings = prev.Drawings.clone()
	for sid, items := range next.Drawings {
		out.Drawings[sid] = composeKeyed(out.Drawings[sid], items)
	}
	out.ChangedFields = out.Fields()
	return out
}

func composeKeyed[V any](prev, next Keyed[V]) Keyed[V] {
	out := prev.clone()
	for k, v := range next {
		out[k] = v
	}
	return out
}

// Fragments builds a delta holding the full current value of each named
// field. It is used to hand the authoritative state back on conflicts and
// after writes.
func Fragments(doc BoardDocument, fields []string) Delta {
	d := Delta{Version: doc.Version}
	for _, f := range fields {
		switch f {
		case FieldActiveSceneID:
			v := doc.ActiveSceneID
			d.ActiveSceneID = &v
		case FieldMapURL:
			v := doc.MapURL
			d.MapURL = &v
		case FieldPlacements:
			d.Placements = Keyed[*Placement]{}
			for id, p := range doc.Placements {
				p := p
				d.Placements[id] = &p
			}
		case FieldSceneState:
			d.SceneState = Keyed[*SceneDelta]{}
			for sid, sc := range doc.SceneState {
				grid, fog, combat := sc.Grid, sc.FogOfWar.Clone(), sc.Combat.Clone()
				d.SceneState[sid] = &SceneDelta{Grid: &grid, FogOfWar: &fog, Combat: &combat}
			}
		case FieldTemplates:
			d.Templates = Keyed[Keyed[*Template]]{}
			for sid, sc := range doc.SceneState {
				items := Keyed[*Template]{}
				for id, t := range sc.Templates {
					t := t
					items[id] = &t
				}
				d.Templates[sid] = items
			}
		case FieldDrawings:
			d.Drawings = Keyed[Keyed[*Drawing]]{}
			for sid, sc := range doc.SceneState {
				items := Keyed[*Drawing]{}
				for id, dr := range sc.Drawings {
					dr := dr.Clone()
					items[id] = &dr
				}
				d.Drawings[sid] = items
			}
		}
	}
	d.ChangedFields = d.Fields()
	return d
}

func sameJSON(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}
