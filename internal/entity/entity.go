// Package entity defines the records shown in console lists and the keys that
// partition them.
package entity

import (
	"encoding/json"
	"maps"
	"reflect"
	"strconv"
	"strings"
)

// Kind names one list view. Each kind has its own identity rule, filter schema
// and notification table.
type Kind string

const (
	KindActiveRecording   Kind = "active-recordings"
	KindArchivedRecording Kind = "archived-recordings"
	KindAllArchives       Kind = "all-archives"
	KindDirectory         Kind = "directories"
	KindTarget            Kind = "targets"
	KindRule              Kind = "rules"
	KindCredential        Kind = "credentials"
	KindEventTemplate     Kind = "event-templates"
	KindProbeTemplate     Kind = "probe-templates"
)

var allKinds = []Kind{
	KindActiveRecording,
	KindArchivedRecording,
	KindAllArchives,
	KindDirectory,
	KindTarget,
	KindRule,
	KindCredential,
	KindEventTemplate,
	KindProbeTemplate,
}

// Kinds returns every known kind in display order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseKind normalizes a kind name from user input.
func ParseKind(raw string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range allKinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// Scoped reports whether lists of this kind belong to a single target.
func (k Kind) Scoped() bool {
	switch k {
	case KindActiveRecording, KindArchivedRecording:
		return true
	default:
		return false
	}
}

// Archived reports whether the kind lists archived (not live) data.
func (k Kind) Archived() bool {
	return k == KindArchivedRecording || k == KindAllArchives
}

// Scope identifies the owner of a list: a target jvmId, or Global.
type Scope string

// Global is the scope of lists that are not owned by one target.
const Global Scope = "*"

// ParseScope normalizes a scope from user input. Empty and the usual spellings of
// "everything" map to Global.
func ParseScope(raw string) Scope {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "", "*", "all", "global", "_":
		return Global
	}
	return Scope(s)
}

func (s Scope) IsGlobal() bool { return s == Global }

func (s Scope) String() string { return string(s) }

// Common field names. Timestamps and durations are epoch milliseconds.
const (
	FieldName            = "name"
	FieldRemoteID        = "remoteId"
	FieldState           = "state"
	FieldStartTime       = "startTime"
	FieldDuration        = "duration"
	FieldContinuous      = "continuous"
	FieldToDisk          = "toDisk"
	FieldMaxSize         = "maxSize"
	FieldMaxAge          = "maxAge"
	FieldSize            = "size"
	FieldArchivedTime    = "archivedTime"
	FieldDownloadURL     = "downloadUrl"
	FieldReportURL       = "reportUrl"
	FieldJvmID           = "jvmId"
	FieldConnectURL      = "connectUrl"
	FieldAlias           = "alias"
	FieldDescription     = "description"
	FieldMatchExpression = "matchExpression"
	FieldEventSpecifier  = "eventSpecifier"
	FieldEnabled         = "enabled"
	FieldMatchedTargets  = "numMatchingTargets"
	FieldProvider        = "provider"
	FieldTemplateType    = "type"
	FieldFileName        = "fileName"

	// FieldLabels is only meaningful inside a patch: its value replaces Labels.
	FieldLabels = "labels"
)

// Recording states reported by the backend.
const (
	StateNew      = "NEW"
	StateDelayed  = "DELAYED"
	StateRunning  = "RUNNING"
	StateStopped  = "STOPPED"
	StateClosed   = "CLOSED"
	StateArchived = "ARCHIVED"
)

// Entity is one row of a list.
type Entity struct {
	Kind   Kind              `json:"kind"`
	ID     string            `json:"id"`
	Scope  Scope             `json:"scope"`
	Labels map[string]string `json:"labels,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

// Clone copies the maps so that writes to the clone never reach e.
func (e Entity) Clone() Entity {
	out := e
	if e.Labels != nil {
		out.Labels = maps.Clone(e.Labels)
	}
	if e.Fields != nil {
		out.Fields = maps.Clone(e.Fields)
	}
	return out
}

// Field returns a payload field. "id" is always available.
func (e Entity) Field(name string) (any, bool) {
	if name == "id" {
		return e.ID, true
	}
	v, ok := e.Fields[name]
	return v, ok
}

// String returns a field rendered as text, or "" when absent.
func (e Entity) String(name string) string {
	v, ok := e.Field(name)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	}
	if n, ok := AsInt64(v); ok {
		return strconv.FormatInt(n, 10)
	}
	if f, ok := AsFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// Number returns a numeric field.
func (e Entity) Number(name string) (float64, bool) {
	v, ok := e.Field(name)
	if !ok {
		return 0, false
	}
	return AsFloat64(v)
}

// ApplyPatch shallow-merges patch into a copy of e. A "labels" key replaces the
// label set.
func (e Entity) ApplyPatch(patch map[string]any) Entity {
	out := e.Clone()
	for k, v := range patch {
		if k == FieldLabels {
			out.Labels = labelsFromAny(v)
			continue
		}
		if out.Fields == nil {
			out.Fields = make(map[string]any, len(patch))
		}
		out.Fields[k] = v
	}
	return out
}

// Reflects reports whether e already carries every value in patch.
func (e Entity) Reflects(patch map[string]any) bool {
	for k, want := range patch {
		if k == FieldLabels {
			if !maps.Equal(e.Labels, labelsFromAny(want)) {
				return false
			}
			continue
		}
		got, ok := e.Fields[k]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// Equal compares two entities by value.
func Equal(a, b Entity) bool {
	if a.Kind != b.Kind || a.ID != b.ID || a.Scope != b.Scope {
		return false
	}
	if !maps.Equal(a.Labels, b.Labels) {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for k, av := range a.Fields {
		bv, ok := b.Fields[k]
		if !ok || !ValuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// ValuesEqual compares payload values, treating numbers of different Go types as
// equal when they hold the same value.
func ValuesEqual(a, b any) bool {
	if af, ok := AsFloat64(a); ok {
		if bf, ok := AsFloat64(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

// AsInt64 converts integer-like payload values.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

// AsFloat64 converts numeric payload values.
func AsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

func labelsFromAny(v any) map[string]string {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]string:
		return maps.Clone(t)
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	case KeyValues:
		return t.Map()
	}
	return nil
}

// Key partitions reconciled lists: one list per kind and scope.
type Key struct {
	Kind  Kind  `json:"kind"`
	Scope Scope `json:"scope"`
}

func (k Key) String() string {
	return string(k.Kind) + ":" + string(k.Scope)
}
