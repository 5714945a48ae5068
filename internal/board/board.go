// Package board defines the shared board document, its wire normalization,
// and the field-wise merge used by both the client store and the server.
package board

import (
	"encoding/json"
	"math"
)

type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleGM, RolePlayer:
		return Role(s), true
	default:
		return "", false
	}
}

type Team string

const (
	TeamPlayers Team = "players"
	TeamEnemies Team = "enemies"
)

func (t Team) Valid() bool { return t == TeamPlayers || t == TeamEnemies }

// UnmarshalJSON discards anything outside the enumerated set.
func (t *Team) UnmarshalJSON(b []byte) error {
	var s string
	if json.Unmarshal(b, &s) != nil || !Team(s).Valid() {
		*t = ""
		return nil
	}
	*t = Team(s)
	return nil
}

const (
	MinGridSize     = 10
	MaxGridSize     = 200
	DefaultGridSize = 50
)

type GridSettings struct {
	Enabled bool   `json:"enabled"`
	Size    int    `json:"size"`
	OffsetX int    `json:"offsetX"`
	OffsetY int    `json:"offsetY"`
	Color   string `json:"color,omitempty"`
}

// ClampGridSize maps an unset size to the default and pins the rest to
// [MinGridSize, MaxGridSize].
func ClampGridSize(size int) int {
	switch {
	case size <= 0:
		return DefaultGridSize
	case size < MinGridSize:
		return MinGridSize
	case size > MaxGridSize:
		return MaxGridSize
	default:
		return size
	}
}

type Placement struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	SceneID string  `json:"sceneId,omitempty"`
	Team    Team    `json:"team,omitempty"`
	Hidden  bool    `json:"hidden,omitempty"`
	Label   string  `json:"label,omitempty"`
}

type TemplateKind string

const (
	TemplateCircle TemplateKind = "circle"
	TemplateCone   TemplateKind = "cone"
	TemplateLine   TemplateKind = "line"
	TemplateSquare TemplateKind = "square"
)

func (k TemplateKind) Valid() bool {
	switch k {
	case TemplateCircle, TemplateCone, TemplateLine, TemplateSquare:
		return true
	}
	return false
}

type Template struct {
	Kind     TemplateKind `json:"kind"`
	X        float64      `json:"x"`
	Y        float64      `json:"y"`
	Size     float64      `json:"size"`
	Rotation float64      `json:"rotation"`
	Color    string       `json:"color,omitempty"`
	OwnerID  string       `json:"ownerId,omitempty"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Drawing struct {
	Points  []Point `json:"points"`
	Color   string  `json:"color,omitempty"`
	Width   float64 `json:"width"`
	OwnerID string  `json:"ownerId,omitempty"`
}

func (d Drawing) Clone() Drawing {
	d.Points = append([]Point(nil), d.Points...)
	return d
}

type FogOfWarState struct {
	Enabled       bool    `json:"enabled"`
	RevealedCells CellSet `json:"revealedCells"`
}

func (f FogOfWarState) Clone() FogOfWarState {
	f.RevealedCells = f.RevealedCells.Clone()
	return f
}

type CombatState struct {
	Active                bool          `json:"active"`
	Round                 int           `json:"round"`
	ActiveCombatantID     string        `json:"activeCombatantId"`
	CompletedCombatantIDs IDSet         `json:"completedCombatantIds"`
	StartingTeam          Team          `json:"startingTeam"`
	CurrentTeam           Team          `json:"currentTeam"`
	LastTeam              Team          `json:"lastTeam"`
	RoundTurnCount        int           `json:"roundTurnCount"`
	TurnLocks             Keyed[string] `json:"turnLocks"`
	UpdatedAt             int64         `json:"updatedAt"`
	EndedAt               int64         `json:"endedAt,omitempty"`
}

func (c CombatState) Clone() CombatState {
	c.CompletedCombatantIDs = c.CompletedCombatantIDs.Clone()
	c.TurnLocks = c.TurnLocks.clone()
	return c
}

type SceneState struct {
	Grid      GridSettings    `json:"grid"`
	FogOfWar  FogOfWarState   `json:"fogOfWar"`
	Combat    CombatState     `json:"combat"`
	Templates Keyed[Template] `json:"templates"`
	Drawings  Keyed[Drawing]  `json:"drawings"`
}

func NewSceneState() SceneState {
	s := SceneState{}
	normalizeScene(&s)
	return s
}

// UnmarshalJSON decodes each sub-field on its own so one malformed sibling
// cannot take the whole scene down with it.
func (s *SceneState) UnmarshalJSON(b []byte) error {
	var raw struct {
		Grid      json.RawMessage `json:"grid"`
		FogOfWar  json.RawMessage `json:"fogOfWar"`
		Combat    json.RawMessage `json:"combat"`
		Templates json.RawMessage `json:"templates"`
		Drawings  json.RawMessage `json:"drawings"`
	}
	out := SceneState{}
	if json.Unmarshal(b, &raw) == nil {
		out.Grid = decodeOr(raw.Grid, GridSettings{})
		out.FogOfWar = decodeOr(raw.FogOfWar, FogOfWarState{})
		out.Combat = decodeOr(raw.Combat, CombatState{})
		out.Templates = decodeOr(raw.Templates, Keyed[Template]{})
		out.Drawings = decodeOr(raw.Drawings, Keyed[Drawing]{})
	}
	normalizeScene(&out)
	*s = out
	return nil
}

// BoardDocument is the shared mutable root of a board session.
type BoardDocument struct {
	ActiveSceneID string            `json:"activeSceneId"`
	MapURL        string            `json:"mapUrl"`
	Placements    Keyed[Placement]  `json:"placements"`
	SceneState    Keyed[SceneState] `json:"sceneState"`
	Version       int64             `json:"version"`
}

func NewDocument() BoardDocument {
	d := BoardDocument{}
	Normalize(&d)
	return d
}

func (d *BoardDocument) UnmarshalJSON(b []byte) error {
	var raw struct {
		ActiveSceneID json.RawMessage `json:"activeSceneId"`
		MapURL        json.RawMessage `json:"mapUrl"`
		Placements    json.RawMessage `json:"placements"`
		SceneState    json.RawMessage `json:"sceneState"`
		Version       json.RawMessage `json:"version"`
	}
	out := BoardDocument{}
	if json.Unmarshal(b, &raw) == nil {
		out.ActiveSceneID = decodeOr(raw.ActiveSceneID, "")
		out.MapURL = decodeOr(raw.MapURL, "")
		out.Placements = decodeOr(raw.Placements, Keyed[Placement]{})
		out.SceneState = decodeOr(raw.SceneState, Keyed[SceneState]{})
		out.Version = decodeOr(raw.Version, int64(0))
	}
	Normalize(&out)
	*d = out
	return nil
}

// Decode parses wire JSON into a normalized document. Only syntactically
// invalid JSON is an error; wrong shapes fall back to typed defaults.
func Decode(b []byte) (BoardDocument, error) {
	var d BoardDocument
	if err := json.Unmarshal(b, &d); err != nil {
		return BoardDocument{}, err
	}
	return d, nil
}

// Clone is a full serialize/deserialize round trip, so the copy shares no
// memory with d and has passed through the same normalization as wire input.
func (d BoardDocument) Clone() BoardDocument {
	b, err := json.Marshal(d)
	if err != nil {
		// Only NaN/Inf floats fail to encode; Normalize scrubs those.
		Normalize(&d)
		b, _ = json.Marshal(d)
	}
	out, _ := Decode(b)
	return out
}

// Scene returns the named scene, or a fresh default one.
func (d BoardDocument) Scene(id string) SceneState {
	if s, ok := d.SceneState[id]; ok {
		return s
	}
	return NewSceneState()
}

// Normalize restores every invariant of the document in place: keyed maps
// are non-nil maps, grid sizes are clamped, team fields are enumerated, and
// entries with unusable keys are dropped.
func Normalize(d *BoardDocument) {
	if d.Placements == nil {
		d.Placements = Keyed[Placement]{}
	}
	for id, p := range d.Placements {
		if id == "" {
			delete(d.Placements, id)
			continue
		}
		p.X, p.Y = finite(p.X), finite(p.Y)
		if !p.Team.Valid() {
			p.Team = ""
		}
		d.Placements[id] = p
	}
	if d.SceneState == nil {
		d.SceneState = Keyed[SceneState]{}
	}
	for id, s := range d.SceneState {
		if id == "" {
			delete(d.SceneState, id)
			continue
		}
		normalizeScene(&s)
		d.SceneState[id] = s
	}
	if d.Version < 0 {
		d.Version = 0
	}
}

func normalizeScene(s *SceneState) {
	s.Grid.Size = ClampGridSize(s.Grid.Size)
	if s.FogOfWar.RevealedCells == nil {
		s.FogOfWar.RevealedCells = CellSet{}
	}
	for k, v := range s.FogOfWar.RevealedCells {
		if !v || k == "" {
			delete(s.FogOfWar.RevealedCells, k)
		}
	}
	normalizeCombat(&s.Combat)
	if s.Templates == nil {
		s.Templates = Keyed[Template]{}
	}
	for id, t := range s.Templates {
		if id == "" || !t.Kind.Valid() {
			delete(s.Templates, id)
			continue
		}
		t.X, t.Y, t.Size, t.Rotation = finite(t.X), finite(t.Y), math.Abs(finite(t.Size)), finite(t.Rotation)
		s.Templates[id] = t
	}
	if s.Drawings == nil {
		s.Drawings = Keyed[Drawing]{}
	}
	for id, dr := range s.Drawings {
		if id == "" {
			delete(s.Drawings, id)
			continue
		}
		if dr.Points == nil {
			dr.Points = []Point{}
		}
		for i := range dr.Points {
			dr.Points[i].X, dr.Points[i].Y = finite(dr.Points[i].X), finite(dr.Points[i].Y)
		}
		if dr.Width = finite(dr.Width); dr.Width <= 0 {
			dr.Width = 1
		}
		s.Drawings[id] = dr
	}
}

func normalizeCombat(c *CombatState) {
	if c.CompletedCombatantIDs == nil {
		c.CompletedCombatantIDs = IDSet{}
	}
	delete(c.CompletedCombatantIDs, "")
	if c.TurnLocks == nil {
		c.TurnLocks = Keyed[string]{}
	}
	for _, t := range []*Team{&c.StartingTeam, &c.CurrentTeam, &c.LastTeam} {
		if !t.Valid() {
			*t = ""
		}
	}
	if c.Round < 0 {
		c.Round = 0
	}
	if c.RoundTurnCount < 0 {
		c.RoundTurnCount = 0
	}
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
