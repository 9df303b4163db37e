// Package filter derives the visible subset of a list from user-entered
// predicates. Filtering never mutates its input.
package filter

import (
	"strings"

	"github.com/flightdeck-io/flightdeck/internal/entity"
)

// PredicateKind selects how a category's values are parsed and matched.
type PredicateKind string

const (
	// Text is a case-insensitive substring over one or more fields.
	Text PredicateKind = "text"
	// Set is membership of a single field value in the active values.
	Set PredicateKind = "set"
	// Range is a numeric interval "lo..hi"; a single number means exact.
	Range PredicateKind = "range"
	// DateRange is a time interval with RFC3339 or epoch-millis bounds.
	DateRange PredicateKind = "date-range"
	// Label matches "key:value" or "key=value" against the entity labels.
	Label PredicateKind = "label"
)

// Category is one filter input.
type Category struct {
	Name    string        `json:"name"`
	Kind    PredicateKind `json:"kind"`
	Fields  []string      `json:"fields,omitempty"`
	Options []string      `json:"options,omitempty"`
}

// Schema lists the categories a kind exposes. The first category is the default
// active one.
type Schema struct {
	Categories []Category `json:"categories"`
}

// Category names shared across kinds.
const (
	CategoryName            = "Name"
	CategoryLabel           = "Label"
	CategoryState           = "State"
	CategoryStartTime       = "StartTime"
	CategoryDuration        = "Duration"
	CategoryAlias           = "Alias"
	CategoryConnectURL      = "ConnectURL"
	CategoryMatchExpression = "MatchExpression"
	CategoryEnabled         = "Enabled"
	CategoryType            = "Type"
	CategoryProvider        = "Provider"
	CategoryJvmID           = "JvmID"
)

var (
	nameCategory  = Category{Name: CategoryName, Kind: Text, Fields: []string{entity.FieldName}}
	labelCategory = Category{Name: CategoryLabel, Kind: Label}

	schemas = map[entity.Kind]Schema{
		entity.KindActiveRecording: {Categories: []Category{
			nameCategory,
			labelCategory,
			{Name: CategoryState, Kind: Set, Fields: []string{entity.FieldState}, Options: []string{
				entity.StateNew, entity.StateDelayed, entity.StateRunning, entity.StateStopped, entity.StateClosed,
			}},
			{Name: CategoryStartTime, Kind: DateRange, Fields: []string{entity.FieldStartTime}},
			{Name: CategoryDuration, Kind: Range, Fields: []string{entity.FieldDuration}},
		}},
		entity.KindArchivedRecording: {Categories: []Category{nameCategory, labelCategory}},
		entity.KindAllArchives:       {Categories: []Category{nameCategory, labelCategory}},
		entity.KindDirectory: {Categories: []Category{
			{Name: CategoryConnectURL, Kind: Text, Fields: []string{entity.FieldConnectURL}},
			{Name: CategoryJvmID, Kind: Text, Fields: []string{"id"}},
		}},
		entity.KindTarget: {Categories: []Category{
			{Name: CategoryAlias, Kind: Text, Fields: []string{entity.FieldAlias, entity.FieldConnectURL}},
			{Name: CategoryConnectURL, Kind: Text, Fields: []string{entity.FieldConnectURL}},
			labelCategory,
		}},
		entity.KindRule: {Categories: []Category{
			nameCategory,
			{Name: CategoryMatchExpression, Kind: Text, Fields: []string{entity.FieldMatchExpression}},
			{Name: CategoryEnabled, Kind: Set, Fields: []string{entity.FieldEnabled}, Options: []string{"true", "false"}},
		}},
		entity.KindCredential: {Categories: []Category{
			{Name: CategoryMatchExpression, Kind: Text, Fields: []string{entity.FieldMatchExpression}},
		}},
		entity.KindEventTemplate: {Categories: []Category{
			{Name: CategoryName, Kind: Text, Fields: []string{entity.FieldName, entity.FieldDescription}},
			{Name: CategoryType, Kind: Set, Fields: []string{entity.FieldTemplateType}, Options: []string{"TARGET", "CUSTOM", "PRESET"}},
			{Name: CategoryProvider, Kind: Text, Fields: []string{entity.FieldProvider}},
		}},
		entity.KindProbeTemplate: {Categories: []Category{
			{Name: CategoryName, Kind: Text, Fields: []string{entity.FieldFileName}},
		}},
	}
)

// SchemaFor returns the categories a kind exposes. Unknown kinds get an empty
// schema, which filters nothing.
func SchemaFor(kind entity.Kind) Schema {
	s, ok := schemas[kind]
	if !ok {
		return Schema{}
	}
	out := Schema{Categories: make([]Category, len(s.Categories))}
	copy(out.Categories, s.Categories)
	return out
}

// Category finds a category by name, ignoring case.
func (s Schema) Category(name string) (Category, bool) {
	name = strings.TrimSpace(name)
	for _, c := range s.Categories {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Category{}, false
}

// Default is the category shown before the user picks one.
func (s Schema) Default() string {
	if len(s.Categories) == 0 {
		return ""
	}
	return s.Categories[0].Name
}
