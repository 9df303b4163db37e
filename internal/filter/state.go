package filter

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrUnknownCategory = errors.New("unknown filter category")
	ErrEmptyValue      = errors.New("empty filter value")
)

// State is the set of active predicate values per category plus the category
// whose input is currently shown.
type State struct {
	Active string              `json:"active"`
	Values map[string][]string `json:"values,omitempty"`
}

// NewState returns an empty state with the schema's default category active.
func NewState(s Schema) State {
	return State{Active: s.Default()}
}

// Clone copies the value slices.
func (st State) Clone() State {
	out := State{Active: st.Active}
	if len(st.Values) > 0 {
		out.Values = make(map[string][]string, len(st.Values))
		for k, v := range st.Values {
			out.Values[k] = slices.Clone(v)
		}
	}
	return out
}

// Empty reports whether no predicate is active.
func (st State) Empty() bool {
	for _, v := range st.Values {
		if len(v) > 0 {
			return false
		}
	}
	return true
}

// Add activates value in category. Adding a value twice is a no-op. Malformed
// values are accepted here and ignored when filtering.
func (st State) Add(s Schema, category, value string) (State, error) {
	c, ok := s.Category(category)
	if !ok {
		return st, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return st, ErrEmptyValue
	}
	out := st.Clone()
	if out.Values == nil {
		out.Values = map[string][]string{}
	}
	if slices.Contains(out.Values[c.Name], value) {
		return out, nil
	}
	out.Values[c.Name] = append(out.Values[c.Name], value)
	return out, nil
}

// Remove drops one value from a category.
func (st State) Remove(s Schema, category, value string) (State, error) {
	c, ok := s.Category(category)
	if !ok {
		return st, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	out := st.Clone()
	vals := slices.DeleteFunc(out.Values[c.Name], func(v string) bool { return v == strings.TrimSpace(value) })
	if len(vals) == 0 {
		delete(out.Values, c.Name)
	} else {
		out.Values[c.Name] = vals
	}
	return out, nil
}

// Clear drops every value of one category.
func (st State) Clear(s Schema, category string) (State, error) {
	c, ok := s.Category(category)
	if !ok {
		return st, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	out := st.Clone()
	delete(out.Values, c.Name)
	return out, nil
}

// ClearAll drops every value and keeps the active category.
func (st State) ClearAll() State {
	return State{Active: st.Active}
}

// SetActive switches the shown category.
func (st State) SetActive(s Schema, category string) (State, error) {
	c, ok := s.Category(category)
	if !ok {
		return st, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	out := st.Clone()
	out.Active = c.Name
	return out, nil
}
