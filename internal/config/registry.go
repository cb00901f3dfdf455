// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Field describes one registered setting.
type Field struct {
	Key   string
	Kind  reflect.Kind
	Min   int64
	Max   int64
	OneOf []string

	index int // struct field index
}

var registry = buildRegistry()

func buildRegistry() []Field {
	t := reflect.TypeOf(Settings{})
	fields := make([]Field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		key := sf.Tag.Get("cfg")
		if key == "" {
			continue
		}
		f := Field{Key: key, Kind: sf.Type.Kind(), index: i, Min: -1 << 62, Max: 1<<62 - 1}
		if v := sf.Tag.Get("min"); v != "" {
			f.Min, _ = strconv.ParseInt(v, 10, 64)
		}
		if v := sf.Tag.Get("max"); v != "" {
			f.Max, _ = strconv.ParseInt(v, 10, 64)
		}
		if v := sf.Tag.Get("oneof"); v != "" {
			f.OneOf = strings.Split(v, ",")
		}
		fields = append(fields, f)
	}
	return fields
}

// Fields returns all registered settings sorted by key.
func Fields() []Field {
	out := make([]Field, len(registry))
	copy(out, registry)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func lookup(key string) (Field, bool) {
	for _, f := range registry {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Get returns the string form of a setting.
func (s *Settings) Get(key string) (string, error) {
	f, ok := lookup(key)
	if !ok {
		return "", fmt.Errorf("config: unknown key %q", key)
	}
	return formatValue(reflect.ValueOf(s).Elem().Field(f.index)), nil
}

// Set parses and range-checks a value, then assigns it. The string
// representation follows the file format: booleans are "true"/"false".
func (s *Settings) Set(key, raw string) error {
	f, ok := lookup(key)
	if !ok {
		return fmt.Errorf("config: unknown key %q", key)
	}
	fv := reflect.ValueOf(s).Elem().Field(f.index)
	switch f.Kind {
	case reflect.Int:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: not an integer: %q", key, raw)
		}
		if n < f.Min || n > f.Max {
			return fmt.Errorf("config: %s: %d out of range [%d, %d]", key, n, f.Min, f.Max)
		}
		fv.SetInt(n)
	case reflect.Bool:
		switch strings.TrimSpace(raw) {
		case "true":
			fv.SetBool(true)
		case "false":
			fv.SetBool(false)
		default:
			return fmt.Errorf("config: %s: expected true or false, got %q", key, raw)
		}
	case reflect.String:
		v := strings.TrimSpace(raw)
		if len(f.OneOf) > 0 {
			found := false
			for _, allowed := range f.OneOf {
				if v == allowed {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("config: %s: %q not in {%s}", key, v, strings.Join(f.OneOf, ", "))
			}
		}
		fv.SetString(v)
	default:
		return fmt.Errorf("config: %s: unsupported kind %s", key, f.Kind)
	}
	return nil
}

// Validate re-checks every field against its range. Used after loading a
// file and before persisting admin updates.
func (s *Settings) Validate() error {
	for _, f := range registry {
		v, err := s.Get(f.Key)
		if err != nil {
			return err
		}
		if err := s.Set(f.Key, v); err != nil {
			return err
		}
	}
	return nil
}

// Map returns every setting as key -> string value.
func (s *Settings) Map() map[string]string {
	out := make(map[string]string, len(registry))
	for _, f := range registry {
		out[f.Key] = formatValue(reflect.ValueOf(s).Elem().Field(f.index))
	}
	return out
}

func formatValue(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Int:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	default:
		return v.String()
	}
}
