package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// Params is an insertion-ordered mapping of parameter names to values.
// Order is preserved through JSON and YAML decoding so that a persisted plan
// reloads with the same parameter layout.
type Params struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewParams returns an empty parameter set.
func NewParams() *Params {
	return &Params{m: orderedmap.New[string, any]()}
}

func (p *Params) ensure() {
	if p.m == nil {
		p.m = orderedmap.New[string, any]()
	}
}

// Set stores value under key. Existing keys keep their position.
func (p *Params) Set(key string, value any) {
	p.ensure()
	p.m.Set(key, value)
}

// With sets key and returns p for chaining.
func (p *Params) With(key string, value any) *Params {
	p.Set(key, value)
	return p
}

// Get returns the value stored under key.
func (p *Params) Get(key string) (any, bool) {
	if p == nil || p.m == nil {
		return nil, false
	}
	return p.m.Get(key)
}

// GetString returns the value under key if it is a string.
func (p *Params) GetString(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool returns the value under key if it is a bool.
func (p *Params) GetBool(key string) (bool, bool) {
	v, ok := p.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Len returns the number of parameters. A nil Params is empty.
func (p *Params) Len() int {
	if p == nil || p.m == nil {
		return 0
	}
	return p.m.Len()
}

// Each calls fn for every parameter in insertion order until fn returns false.
func (p *Params) Each(fn func(key string, value any) bool) {
	if p == nil || p.m == nil {
		return
	}
	for pair := p.m.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// Keys returns the parameter names in insertion order.
func (p *Params) Keys() []string {
	keys := make([]string, 0, p.Len())
	p.Each(func(k string, _ any) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Clone returns a shallow copy.
func (p *Params) Clone() *Params {
	out := NewParams()
	p.Each(func(k string, v any) bool {
		out.Set(k, v)
		return true
	})
	return out
}

// Equal reports whether both sets hold the same keys in the same order with
// values that encode to the same JSON.
func (p *Params) Equal(o *Params) bool {
	if p.Len() != o.Len() {
		return false
	}
	if p.Len() == 0 {
		return true
	}
	a, err := json.Marshal(p)
	if err != nil {
		return false
	}
	b, err := json.Marshal(o)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// MarshalJSON encodes the parameters as a JSON object in insertion order.
func (p *Params) MarshalJSON() ([]byte, error) {
	if p == nil || p.m == nil {
		return []byte("{}"), nil
	}
	return p.m.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, keeping key order.
func (p *Params) UnmarshalJSON(data []byte) error {
	p.m = orderedmap.New[string, any]()
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return p.m.UnmarshalJSON(data)
}

// UnmarshalYAML decodes a YAML mapping, keeping key order.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	p.m = orderedmap.New[string, any]()
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameters must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		var value any
		if err := valNode.Decode(&value); err != nil {
			return fmt.Errorf("line %d: parameter %q: %w", valNode.Line, keyNode.Value, err)
		}
		p.m.Set(keyNode.Value, value)
	}
	return nil
}
