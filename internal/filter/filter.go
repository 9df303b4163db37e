package filter

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/entity"
)

// Filter returns the items that pass every active category. The input slice and
// its entities are never modified; the result shares entity values with items.
func Filter(items []entity.Entity, s Schema, st State) []entity.Entity {
	preds := compile(s, st)
	out := make([]entity.Entity, 0, len(items))
	for _, e := range items {
		if matchAll(preds, e) {
			out = append(out, e)
		}
	}
	return out
}

// Matches reports whether one entity passes the state.
func Matches(e entity.Entity, s Schema, st State) bool {
	return matchAll(compile(s, st), e)
}

type predicate func(entity.Entity) bool

func matchAll(preds []predicate, e entity.Entity) bool {
	for _, p := range preds {
		if !p(e) {
			return false
		}
	}
	return true
}

func compile(s Schema, st State) []predicate {
	var preds []predicate
	for _, c := range s.Categories {
		values := st.Values[c.Name]
		if len(values) == 0 {
			continue
		}
		if p := compileCategory(c, values); p != nil {
			preds = append(preds, p)
		}
	}
	return preds
}

func compileCategory(c Category, values []string) predicate {
	switch c.Kind {
	case Text:
		needles := make([]string, 0, len(values))
		for _, v := range values {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				needles = append(needles, v)
			}
		}
		if len(needles) == 0 {
			return nil
		}
		return func(e entity.Entity) bool {
			for _, f := range c.Fields {
				hay := strings.ToLower(e.String(f))
				for _, n := range needles {
					if strings.Contains(hay, n) {
						return true
					}
				}
			}
			return false
		}

	case Set:
		if len(c.Fields) == 0 {
			return nil
		}
		field := c.Fields[0]
		return func(e entity.Entity) bool {
			got := e.String(field)
			for _, v := range values {
				if strings.EqualFold(got, strings.TrimSpace(v)) {
					return true
				}
			}
			return false
		}

	case Range, DateRange:
		if len(c.Fields) == 0 {
			return nil
		}
		parse := parseNumber
		if c.Kind == DateRange {
			parse = parseMillis
		}
		iv, ok := intersect(values, parse)
		if !ok {
			return nil
		}
		field := c.Fields[0]
		return func(e entity.Entity) bool {
			n, ok := e.Number(field)
			return ok && iv.contains(n)
		}

	case Label:
		type pair struct{ key, value string }
		var pairs []pair
		for _, v := range values {
			if k, val, ok := parseLabel(v); ok {
				pairs = append(pairs, pair{k, val})
			}
		}
		if len(pairs) == 0 {
			return nil
		}
		return func(e entity.Entity) bool {
			for _, p := range pairs {
				if got, ok := e.Labels[p.key]; ok && got == p.value {
					return true
				}
			}
			return false
		}
	}
	return nil
}

type interval struct{ lo, hi float64 }

func (iv interval) contains(n float64) bool {
	return n >= iv.lo && n <= iv.hi
}

// intersect narrows the interval with every well-formed value. It reports false
// when no value parsed.
func intersect(values []string, parse func(string) (float64, bool)) (interval, bool) {
	iv := interval{lo: math.Inf(-1), hi: math.Inf(1)}
	parsed := false
	for _, v := range values {
		r, ok := parseInterval(v, parse)
		if !ok {
			continue
		}
		parsed = true
		iv.lo = math.Max(iv.lo, r.lo)
		iv.hi = math.Min(iv.hi, r.hi)
	}
	return iv, parsed
}

func parseInterval(raw string, parse func(string) (float64, bool)) (interval, bool) {
	raw = strings.TrimSpace(raw)
	lo, hi, isRange := strings.Cut(raw, "..")
	if !isRange {
		n, ok := parse(raw)
		if !ok {
			return interval{}, false
		}
		return interval{lo: n, hi: n}, true
	}
	iv := interval{lo: math.Inf(-1), hi: math.Inf(1)}
	if lo = strings.TrimSpace(lo); lo != "" {
		n, ok := parse(lo)
		if !ok {
			return interval{}, false
		}
		iv.lo = n
	}
	if hi = strings.TrimSpace(hi); hi != "" {
		n, ok := parse(hi)
		if !ok {
			return interval{}, false
		}
		iv.hi = n
	}
	if iv.lo > iv.hi {
		return interval{}, false
	}
	return iv, true
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func parseMillis(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(n), true
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, false
	}
	return float64(t.UnixMilli()), true
}

func parseLabel(raw string) (string, string, bool) {
	raw = strings.TrimSpace(raw)
	i := strings.IndexAny(raw, ":=")
	if i <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:]), true
}
