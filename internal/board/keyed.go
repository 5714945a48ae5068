package board

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
)

// Keyed is a string-keyed map that always encodes as a JSON object and
// decodes leniently: legacy writers encode empty associative structures as
// [], so arrays are accepted (elements keyed by index), elements of the
// wrong shape are dropped, and any other container becomes an empty map.
//
// JSON null elements are kept only when V is a pointer type, where nil is a
// removal marker in deltas.
type Keyed[V any] map[string]V

func (k Keyed[V]) MarshalJSON() ([]byte, error) {
	if k == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]V(k))
}

func (k *Keyed[V]) UnmarshalJSON(b []byte) error {
	out := Keyed[V]{}
	keepNull := reflect.TypeOf((*V)(nil)).Elem().Kind() == reflect.Pointer

	add := func(key string, raw json.RawMessage) {
		if isNull(raw) && !keepNull {
			return
		}
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			return
		}
		out[key] = v
	}

	b = bytes.TrimSpace(b)
	if len(b) > 0 {
		switch b[0] {
		case '{':
			var raw map[string]json.RawMessage
			if json.Unmarshal(b, &raw) == nil {
				for key, r := range raw {
					add(key, r)
				}
			}
		case '[':
			var raw []json.RawMessage
			if json.Unmarshal(b, &raw) == nil {
				for i, r := range raw {
					add(strconv.Itoa(i), r)
				}
			}
		}
	}
	*k = out
	return nil
}

// Keys returns the map keys in sorted order.
func (k Keyed[V]) Keys() []string {
	keys := make([]string, 0, len(k))
	for key := range k {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (k Keyed[V]) clone() Keyed[V] {
	out := make(Keyed[V], len(k))
	for key, v := range k {
		out[key] = v
	}
	return out
}

// CellKey addresses one grid cell, "col,row".
type CellKey string

func Cell(col, row int) CellKey {
	return CellKey(strconv.Itoa(col) + "," + strconv.Itoa(row))
}

// CellSet is the set of revealed fog-of-war cells. It is a map on the wire
// and in memory; see Keyed for why decoding must accept arrays too.
type CellSet map[CellKey]bool

func (c CellSet) Add(k CellKey)      { c[k] = true }
func (c CellSet) Remove(k CellKey)   { delete(c, k) }
func (c CellSet) Has(k CellKey) bool { return c[k] }

func (c CellSet) Clone() CellSet {
	out := make(CellSet, len(c))
	for k, v := range c {
		if v {
			out[k] = true
		}
	}
	return out
}

func (c CellSet) MarshalJSON() ([]byte, error) {
	out := make(map[CellKey]bool, len(c))
	for k, v := range c {
		if v {
			out[k] = true
		}
	}
	return json.Marshal(out)
}

func (c *CellSet) UnmarshalJSON(b []byte) error {
	out := CellSet{}
	b = bytes.TrimSpace(b)
	if len(b) > 0 {
		switch b[0] {
		case '{':
			var raw map[string]any
			if json.Unmarshal(b, &raw) == nil {
				for k, v := range raw {
					if truthy(v) && k != "" {
						out[CellKey(k)] = true
					}
				}
			}
		case '[':
			var raw []any
			if json.Unmarshal(b, &raw) == nil {
				for i, v := range raw {
					switch e := v.(type) {
					case string:
						if e != "" {
							out[CellKey(e)] = true
						}
					default:
						if truthy(e) {
							out[CellKey(strconv.Itoa(i))] = true
						}
					}
				}
			}
		}
	}
	*c = out
	return nil
}

// IDSet is a set of ids, encoded as a sorted JSON array.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := IDSet{}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s IDSet) Add(id string) { s[id] = struct{}{} }

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IDSet) UnmarshalJSON(b []byte) error {
	out := IDSet{}
	b = bytes.TrimSpace(b)
	if len(b) > 0 {
		switch b[0] {
		case '[':
			var raw []any
			if json.Unmarshal(b, &raw) == nil {
				for _, v := range raw {
					if id, ok := v.(string); ok && id != "" {
						out.Add(id)
					}
				}
			}
		case '{':
			var raw map[string]any
			if json.Unmarshal(b, &raw) == nil {
				for id, v := range raw {
					if truthy(v) && id != "" {
						out.Add(id)
					}
				}
			}
		}
	}
	*s = out
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != "" && t != "0" && t != "false"
	default:
		return false
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeOr decodes raw into a fresh T, returning fallback when raw is absent
// or of the wrong shape.
func decodeOr[T any](raw json.RawMessage, fallback T) T {
	if len(raw) == 0 || isNull(raw) {
		return fallback
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return fallback
	}
	return v
}
