package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/event"
)

// Normalizer maps the categories one kind listens to onto list events. Each
// category maps to exactly one event variant.
type Normalizer struct {
	kind  entity.Kind
	table map[Category]normalizeFunc
}

type normalizeFunc func(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error)

// For returns the normalizer of a kind.
func For(kind entity.Kind) (*Normalizer, bool) {
	table, ok := tables[kind]
	if !ok {
		return nil, false
	}
	return &Normalizer{kind: kind, table: table}, true
}

func (n *Normalizer) Kind() entity.Kind { return n.kind }

// Categories lists the categories the kind listens to, sorted.
func (n *Normalizer) Categories() []Category {
	out := make([]Category, 0, len(n.table))
	for c := range n.table {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Normalize maps one message. It has no side effects. Categories outside the
// kind's table return ErrUnrecognizedCategory.
func (n *Normalizer) Normalize(msg Message) (event.Event, error) {
	fn, ok := n.table[msg.Category]
	if !ok {
		return nil, fmt.Errorf("%w: %s for %s", ErrUnrecognizedCategory, msg.Category, n.kind)
	}
	ev, err := fn(n.kind, msg.Category, msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("normalize %s for %s: %w", msg.Category, n.kind, err)
	}
	return ev, nil
}

var tables = map[entity.Kind]map[Category]normalizeFunc{
	entity.KindActiveRecording: {
		ActiveRecordingCreated:   activeUpsert,
		ActiveRecordingStopped:   activeStopped,
		ActiveRecordingDeleted:   recordingRemove,
		RecordingMetadataUpdated: recordingLabels,
	},
	entity.KindArchivedRecording: {
		ActiveRecordingSaved:     archivedUpsert,
		ArchivedRecordingCreated: archivedUpsert,
		ArchivedRecordingDeleted: recordingRemove,
		RecordingMetadataUpdated: recordingLabels,
	},
	entity.KindAllArchives: {
		ActiveRecordingSaved:     archivedUpsert,
		ArchivedRecordingCreated: archivedUpsert,
		ArchivedRecordingDeleted: recordingRemove,
		RecordingMetadataUpdated: recordingLabels,
	},
	// a save and an upload each announce one new archive, under different
	// categories
	entity.KindDirectory: {
		ActiveRecordingSaved:     directoryCount(+1),
		ArchivedRecordingCreated: directoryCount(+1),
		ArchivedRecordingDeleted: directoryCount(-1),
	},
	entity.KindTarget: {
		TargetFound:    targetUpsert,
		TargetModified: targetUpsert,
		TargetLost:     targetRemove,
	},
	entity.KindRule: {
		RuleCreated: ruleUpsert,
		RuleUpdated: ruleUpsert,
		RuleDeleted: ruleRemove,
	},
	entity.KindCredential: {
		CredentialsStored:  credentialUpsert,
		CredentialsDeleted: credentialRemove,
	},
	entity.KindEventTemplate: {
		TemplateUploaded: templateUpsert,
		TemplateDeleted:  templateRemove,
	},
	entity.KindProbeTemplate: {
		ProbeTemplateUploaded: probeUpsert,
		ProbeTemplateDeleted:  probeRemove,
	},
}

type recordingPayload struct {
	JvmID     string          `json:"jvmId"`
	Recording json.RawMessage `json:"recording"`
}

func decodeStrict(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// unwrap returns the value under key when the payload is wrapped in it, and
// the payload itself otherwise.
func unwrap(raw json.RawMessage, key string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	if inner, ok := obj[key]; ok && len(inner) > 0 && inner[0] == '{' {
		return inner
	}
	return raw
}

func header(kind entity.Kind, scope entity.Scope, cat Category) event.Header {
	return event.Header{Category: string(cat), Key: entity.Key{Kind: kind, Scope: scope}}
}

func missing(what string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformedMessage, what)
}

func decodeRecording(payload json.RawMessage) (string, entity.ArchivedRecording, json.RawMessage, error) {
	var p recordingPayload
	if err := decodeStrict(payload, &p); err != nil {
		return "", entity.ArchivedRecording{}, nil, err
	}
	var r entity.ArchivedRecording
	if err := decodeStrict(p.Recording, &r); err != nil {
		return "", entity.ArchivedRecording{}, nil, err
	}
	jvmID := strings.TrimSpace(p.JvmID)
	if jvmID == "" {
		jvmID = strings.TrimSpace(r.JvmID)
	}
	if r.JvmID == "" {
		r.JvmID = jvmID
	}
	if r.Name == "" {
		return "", r, nil, missing("recording name")
	}
	if jvmID == "" {
		return "", r, nil, missing("jvmId")
	}
	return jvmID, r, p.Recording, nil
}

// recordingID resolves a recording's identity and scope in the list kind.
func recordingID(kind entity.Kind, jvmID, name string) (entity.Scope, string) {
	if kind == entity.KindAllArchives {
		return entity.Global, entity.ArchiveID(jvmID, name)
	}
	return entity.Scope(jvmID), name
}

func activeUpsert(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	jvmID, _, raw, err := decodeRecording(payload)
	if err != nil {
		return nil, err
	}
	var r entity.Recording
	if err := decodeStrict(raw, &r); err != nil {
		return nil, err
	}
	scope := entity.Scope(jvmID)
	return event.Upsert{Header: header(kind, scope, cat), Entity: entity.FromRecording(scope, r)}, nil
}

func activeStopped(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	jvmID, r, _, err := decodeRecording(payload)
	if err != nil {
		return nil, err
	}
	return event.FieldPatch{
		Header: header(kind, entity.Scope(jvmID), cat),
		ID:     r.Name,
		Patch:  map[string]any{entity.FieldState: entity.StateStopped},
	}, nil
}

func archivedUpsert(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	jvmID, r, _, err := decodeRecording(payload)
	if err != nil {
		return nil, err
	}
	if kind == entity.KindAllArchives {
		return event.Upsert{Header: header(kind, entity.Global, cat), Entity: entity.FromArchive(r)}, nil
	}
	scope := entity.Scope(jvmID)
	return event.Upsert{Header: header(kind, scope, cat), Entity: entity.FromArchivedRecording(scope, r)}, nil
}

func recordingRemove(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	jvmID, r, _, err := decodeRecording(payload)
	if err != nil {
		return nil, err
	}
	scope, id := recordingID(kind, jvmID, r.Name)
	return event.Remove{Header: header(kind, scope, cat), ID: id}, nil
}

func recordingLabels(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	jvmID, r, _, err := decodeRecording(payload)
	if err != nil {
		return nil, err
	}
	labels := r.Metadata.Labels.Map()
	if labels == nil {
		labels = map[string]string{}
	}
	scope, id := recordingID(kind, jvmID, r.Name)
	return event.FieldPatch{
		Header: header(kind, scope, cat),
		ID:     id,
		Patch:  map[string]any{entity.FieldLabels: labels},
	}, nil
}

func directoryCount(delta int64) normalizeFunc {
	return func(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
		jvmID, _, _, err := decodeRecording(payload)
		if err != nil {
			return nil, err
		}
		return event.Signal{Header: header(kind, entity.Global, cat), Aggregate: jvmID, Delta: delta}, nil
	}
}

func decodeTarget(payload json.RawMessage) (entity.Target, error) {
	var t entity.Target
	if err := decodeStrict(unwrap(payload, "serviceRef"), &t); err != nil {
		return t, err
	}
	if t.ConnectURL == "" {
		return t, missing("connectUrl")
	}
	return t, nil
}

func targetUpsert(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	t, err := decodeTarget(payload)
	if err != nil {
		return nil, err
	}
	return event.Upsert{Header: header(kind, entity.Global, cat), Entity: entity.FromTarget(t)}, nil
}

func targetRemove(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	t, err := decodeTarget(payload)
	if err != nil {
		return nil, err
	}
	return event.Remove{Header: header(kind, entity.Global, cat), ID: t.ConnectURL}, nil
}

func decodeRule(payload json.RawMessage) (entity.Rule, error) {
	var r entity.Rule
	if err := decodeStrict(unwrap(payload, "rule"), &r); err != nil {
		return r, err
	}
	if r.Name == "" {
		return r, missing("rule name")
	}
	return r, nil
}

func ruleUpsert(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	r, err := decodeRule(payload)
	if err != nil {
		return nil, err
	}
	return event.Upsert{Header: header(kind, entity.Global, cat), Entity: entity.FromRule(r)}, nil
}

func ruleRemove(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	r, err := decodeRule(payload)
	if err != nil {
		return nil, err
	}
	return event.Remove{Header: header(kind, entity.Global, cat), ID: r.Name}, nil
}

func decodeCredential(payload json.RawMessage) (entity.Credential, error) {
	var c entity.Credential
	if err := decodeStrict(unwrap(payload, "credential"), &c); err != nil {
		return c, err
	}
	if c.ID == 0 {
		return c, missing("credential id")
	}
	return c, nil
}

func credentialUpsert(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	c, err := decodeCredential(payload)
	if err != nil {
		return nil, err
	}
	return event.Upsert{Header: header(kind, entity.Global, cat), Entity: entity.FromCredential(c)}, nil
}

func credentialRemove(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	c, err := decodeCredential(payload)
	if err != nil {
		return nil, err
	}
	e := entity.FromCredential(c)
	return event.Remove{Header: header(kind, entity.Global, cat), ID: e.ID}, nil
}

func decodeTemplate(payload json.RawMessage) (entity.EventTemplate, error) {
	var t entity.EventTemplate
	if err := decodeStrict(unwrap(payload, "template"), &t); err != nil {
		return t, err
	}
	if t.Name == "" {
		return t, missing("template name")
	}
	if t.Type == "" {
		t.Type = "CUSTOM"
	}
	return t, nil
}

func templateUpsert(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	t, err := decodeTemplate(payload)
	if err != nil {
		return nil, err
	}
	return event.Upsert{Header: header(kind, entity.Global, cat), Entity: entity.FromEventTemplate(t)}, nil
}

func templateRemove(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	t, err := decodeTemplate(payload)
	if err != nil {
		return nil, err
	}
	return event.Remove{Header: header(kind, entity.Global, cat), ID: entity.EventTemplateID(t.Type, t.Name)}, nil
}

func decodeProbe(payload json.RawMessage) (entity.ProbeTemplate, error) {
	var p entity.ProbeTemplate
	if err := decodeStrict(unwrap(payload, "probeTemplate"), &p); err != nil {
		return p, err
	}
	if p.FileName == "" {
		return p, missing("probe template file name")
	}
	return p, nil
}

func probeUpsert(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	p, err := decodeProbe(payload)
	if err != nil {
		return nil, err
	}
	return event.Upsert{Header: header(kind, entity.Global, cat), Entity: entity.FromProbeTemplate(p)}, nil
}

func probeRemove(kind entity.Kind, cat Category, payload json.RawMessage) (event.Event, error) {
	p, err := decodeProbe(payload)
	if err != nil {
		return nil, err
	}
	return event.Remove{Header: header(kind, entity.Global, cat), ID: p.FileName}, nil
}
