package mutation

import (
	"errors"

	"github.com/flightdeck-io/flightdeck/internal/backend"
	"github.com/flightdeck-io/flightdeck/internal/entity"
)

// Action names one backend write.
type Action string

const (
	ActionCreateRecording     Action = "create-recording"
	ActionStopRecording       Action = "stop-recording"
	ActionArchiveRecording    Action = "archive-recording"
	ActionDeleteRecording     Action = "delete-recording"
	ActionUpdateLabels        Action = "update-labels"
	ActionDeleteArchived      Action = "delete-archived"
	ActionCreateRule          Action = "create-rule"
	ActionSetRuleEnabled      Action = "set-rule-enabled"
	ActionDeleteRule          Action = "delete-rule"
	ActionStoreCredential     Action = "store-credential"
	ActionDeleteCredential    Action = "delete-credential"
	ActionUploadEventTemplate Action = "upload-event-template"
	ActionDeleteEventTemplate Action = "delete-event-template"
	ActionUploadProbeTemplate Action = "upload-probe-template"
	ActionDeleteProbeTemplate Action = "delete-probe-template"
)

var (
	ErrUnsupportedAction = errors.New("action is not available for this list")
	ErrInvalidRequest    = errors.New("invalid mutation request")
	ErrUnknownEntity     = errors.New("entity is not in the list")
)

// actionsByKind lists the writes each list offers.
var actionsByKind = map[entity.Kind][]Action{
	entity.KindActiveRecording: {
		ActionCreateRecording, ActionStopRecording, ActionArchiveRecording,
		ActionDeleteRecording, ActionUpdateLabels,
	},
	entity.KindArchivedRecording: {ActionDeleteArchived, ActionUpdateLabels},
	entity.KindAllArchives:       {ActionDeleteArchived, ActionUpdateLabels},
	entity.KindRule:              {ActionCreateRule, ActionSetRuleEnabled, ActionDeleteRule},
	entity.KindCredential:        {ActionStoreCredential, ActionDeleteCredential},
	entity.KindEventTemplate:     {ActionUploadEventTemplate, ActionDeleteEventTemplate},
	entity.KindProbeTemplate:     {ActionUploadProbeTemplate, ActionDeleteProbeTemplate},
}

// Actions returns the writes available on lists of kind.
func Actions(kind entity.Kind) []Action {
	return append([]Action(nil), actionsByKind[kind]...)
}

func supported(kind entity.Kind, a Action) bool {
	for _, candidate := range actionsByKind[kind] {
		if candidate == a {
			return true
		}
	}
	return false
}

// Request is one user-initiated write against a list. Only the fields the
// action needs are read.
type Request struct {
	Action   Action `json:"action"`
	EntityID string `json:"entityId,omitempty"`

	Labels  map[string]string `json:"labels,omitempty"`
	Enabled bool              `json:"enabled,omitempty"`
	// Clean also stops recordings started by a deleted rule.
	Clean bool `json:"clean,omitempty"`

	Recording  backend.RecordingOptions `json:"recording,omitzero"`
	Rule       entity.Rule              `json:"rule,omitzero"`
	Credential backend.CredentialInput  `json:"credential,omitzero"`

	FileName string `json:"fileName,omitempty"`
	Content  []byte `json:"content,omitempty"`
}
