package tasks

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Parameters is an immutable bag of string, int, bool and long values handed
// to a task at schedule time and back to its handler at execution time.
// The zero value is an empty bag.
type Parameters struct {
	values map[string]any
}

// ParametersBuilder accumulates values for a Parameters bag.
type ParametersBuilder struct {
	values map[string]any
}

// NewParametersBuilder returns an empty builder.
func NewParametersBuilder() *ParametersBuilder {
	return &ParametersBuilder{values: make(map[string]any)}
}

func (b *ParametersBuilder) PutString(key, v string) *ParametersBuilder {
	b.values[key] = v
	return b
}

func (b *ParametersBuilder) PutInt(key string, v int) *ParametersBuilder {
	b.values[key] = v
	return b
}

func (b *ParametersBuilder) PutBool(key string, v bool) *ParametersBuilder {
	b.values[key] = v
	return b
}

func (b *ParametersBuilder) PutLong(key string, v int64) *ParametersBuilder {
	b.values[key] = v
	return b
}

// Build copies the accumulated values, so later Puts do not leak into the
// returned bag.
func (b *ParametersBuilder) Build() Parameters {
	values := make(map[string]any, len(b.values))
	for k, v := range b.values {
		values[k] = v
	}
	return Parameters{values: values}
}

// Len returns the number of stored values.
func (p Parameters) Len() int {
	return len(p.values)
}

// Keys returns the stored keys in sorted order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present, whatever its type.
func (p Parameters) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// GetString returns the string stored under key, or def when the key is
// missing or holds another type.
func (p Parameters) GetString(key, def string) string {
	if v, ok := p.values[key].(string); ok {
		return v
	}
	return def
}

func (p Parameters) GetInt(key string, def int) int {
	if v, ok := p.values[key].(int); ok {
		return v
	}
	return def
}

func (p Parameters) GetBool(key string, def bool) bool {
	if v, ok := p.values[key].(bool); ok {
		return v
	}
	return def
}

func (p Parameters) GetLong(key string, def int64) int64 {
	if v, ok := p.values[key].(int64); ok {
		return v
	}
	return def
}

// Wire type tags. JSON numbers alone cannot tell an int from a long.
const (
	kindString = "string"
	kindInt    = "int"
	kindBool   = "bool"
	kindLong   = "long"
)

type typedValue struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes every value together with its type tag.
func (p Parameters) MarshalJSON() ([]byte, error) {
	out := make(map[string]typedValue, len(p.values))
	for k, v := range p.values {
		var kind string
		switch v.(type) {
		case string:
			kind = kindString
		case int:
			kind = kindInt
		case bool:
			kind = kindBool
		case int64:
			kind = kindLong
		default:
			return nil, fmt.Errorf("parameter %q: unsupported type %T", k, v)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = typedValue{Kind: kind, Value: raw}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the values with their original Go types.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	var in map[string]typedValue
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	values := make(map[string]any, len(in))
	for k, tv := range in {
		var err error
		switch tv.Kind {
		case kindString:
			var s string
			err = json.Unmarshal(tv.Value, &s)
			values[k] = s
		case kindInt:
			var i int
			err = json.Unmarshal(tv.Value, &i)
			values[k] = i
		case kindBool:
			var b bool
			err = json.Unmarshal(tv.Value, &b)
			values[k] = b
		case kindLong:
			var l int64
			err = json.Unmarshal(tv.Value, &l)
			values[k] = l
		default:
			err = fmt.Errorf("unknown kind %q", tv.Kind)
		}
		if err != nil {
			return fmt.Errorf("parameter %q: %w", k, err)
		}
	}
	p.values = values
	return nil
}
