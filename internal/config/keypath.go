package config

import (
	"reflect"
	"strings"
)

// KeyPath addresses one setting in the YAML config, e.g.
// "transports.polling.maxWaitMs".
type KeyPath []string

var configType = reflect.TypeOf(Config{})

// ParseKeyPath splits raw on dots and checks every segment against the
// config schema, so a typo fails instead of writing a key nothing reads.
func ParseKeyPath(raw string) (KeyPath, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config key"}
	}
	segs := strings.Split(raw, ".")
	t := configType
	for i, seg := range segs {
		if seg == "" {
			return nil, &ConfigError{Message: "config key " + raw + " has an empty segment"}
		}
		if t == nil {
			return nil, &ConfigError{Message: strings.Join(segs[:i], ".") + " is a value, not a section"}
		}
		next, ok := yamlField(t, seg)
		if !ok {
			where := "config"
			if i > 0 {
				where = strings.Join(segs[:i], ".")
			}
			return nil, &ConfigError{Message: "unknown key " + seg + " in " + where}
		}
		t = next
	}
	return KeyPath(segs), nil
}

// yamlField finds the field of struct t whose yaml name is name. It returns
// the field's struct type, or nil when the field is a leaf value.
func yamlField(t reflect.Type, name string) (reflect.Type, bool) {
	for i := range t.NumField() {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if tag != name {
			continue
		}
		ft := f.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() != reflect.Struct {
			return nil, true
		}
		return ft, true
	}
	return nil, false
}

func (p KeyPath) String() string { return strings.Join(p, ".") }

// Leaf is the last segment.
func (p KeyPath) Leaf() string { return p[len(p)-1] }

// Get reads the value at p from a raw config map.
func (p KeyPath) Get(root map[string]any) (any, bool) {
	var cur any = root
	for _, seg := range p {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at p, replacing any non-map value that sits on the way.
func (p KeyPath) Set(root map[string]any, v any) {
	parent := root
	for _, seg := range p[:len(p)-1] {
		child, ok := parent[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			parent[seg] = child
		}
		parent = child
	}
	parent[p.Leaf()] = v
}

// Unset deletes the value at p and reports whether it existed. Sections
// left empty are kept.
func (p KeyPath) Unset(root map[string]any) bool {
	parent, ok := p[:len(p)-1].section(root)
	if !ok {
		return false
	}
	if _, ok := parent[p.Leaf()]; !ok {
		return false
	}
	delete(parent, p.Leaf())
	return true
}

func (p KeyPath) section(root map[string]any) (map[string]any, bool) {
	if len(p) == 0 {
		return root, true
	}
	v, ok := p.Get(root)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}
