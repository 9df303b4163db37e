package entity

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// KeyValues is a label set. The backend sends labels either as a list of
// {"key","value"} pairs or as a plain object; both decode here.
type KeyValues []KeyValue

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (kv *KeyValues) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*kv = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*kv = KeyValuesFromMap(m)
		return nil
	}
	var list []KeyValue
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*kv = list
	return nil
}

// Map converts the pairs into a map. Later duplicates win.
func (kv KeyValues) Map() map[string]string {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]string, len(kv))
	for _, p := range kv {
		if p.Key == "" {
			continue
		}
		out[p.Key] = p.Value
	}
	return out
}

// KeyValuesFromMap builds a sorted pair list.
func KeyValuesFromMap(m map[string]string) KeyValues {
	if len(m) == 0 {
		return nil
	}
	out := make(KeyValues, 0, len(m))
	for k, v := range m {
		out = append(out, KeyValue{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type Metadata struct {
	Labels KeyValues `json:"labels"`
}

// Recording is an active recording as the backend reports it.
type Recording struct {
	ID          int64    `json:"id"`
	RemoteID    int64    `json:"remoteId"`
	Name        string   `json:"name"`
	State       string   `json:"state"`
	StartTime   int64    `json:"startTime"`
	Duration    int64    `json:"duration"`
	Continuous  bool     `json:"continuous"`
	ToDisk      bool     `json:"toDisk"`
	MaxSize     int64    `json:"maxSize"`
	MaxAge      int64    `json:"maxAge"`
	DownloadURL string   `json:"downloadUrl"`
	ReportURL   string   `json:"reportUrl"`
	Metadata    Metadata `json:"metadata"`
}

// ArchivedRecording is a recording saved to the backend's archive.
type ArchivedRecording struct {
	Name         string   `json:"name"`
	JvmID        string   `json:"jvmId"`
	DownloadURL  string   `json:"downloadUrl"`
	ReportURL    string   `json:"reportUrl"`
	Size         int64    `json:"size"`
	ArchivedTime int64    `json:"archivedTime"`
	Metadata     Metadata `json:"metadata"`
}

// Directory groups archived recordings by the target they came from.
type Directory struct {
	JvmID      string              `json:"jvmId"`
	ConnectURL string              `json:"connectUrl"`
	Recordings []ArchivedRecording `json:"recordings"`
}

type Target struct {
	ID          int64     `json:"id"`
	JvmID       string    `json:"jvmId"`
	ConnectURL  string    `json:"connectUrl"`
	Alias       string    `json:"alias"`
	Labels      KeyValues `json:"labels"`
	Annotations struct {
		Platform KeyValues `json:"platform"`
		Cryostat KeyValues `json:"cryostat"`
	} `json:"annotations"`
}

type Rule struct {
	Name                  string `json:"name"`
	Description           string `json:"description"`
	MatchExpression       string `json:"matchExpression"`
	EventSpecifier        string `json:"eventSpecifier"`
	ArchivalPeriodSeconds int64  `json:"archivalPeriodSeconds"`
	InitialDelaySeconds   int64  `json:"initialDelaySeconds"`
	PreservedArchives     int64  `json:"preservedArchives"`
	MaxAgeSeconds         int64  `json:"maxAgeSeconds"`
	MaxSizeBytes          int64  `json:"maxSizeBytes"`
	Enabled               bool   `json:"enabled"`
}

type Credential struct {
	ID                 int64  `json:"id"`
	MatchExpression    string `json:"matchExpression"`
	NumMatchingTargets int64  `json:"numMatchingTargets"`
}

type EventTemplate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Provider    string `json:"provider"`
	Type        string `json:"type"`
}

type ProbeTemplate struct {
	FileName string `json:"fileName"`
	XMLText  string `json:"xmlText,omitempty"`
}

// FromRecording builds an active-recordings row owned by the target jvmId.
func FromRecording(scope Scope, r Recording) Entity {
	remote := r.RemoteID
	if remote == 0 {
		remote = r.ID
	}
	return Entity{
		Kind:   KindActiveRecording,
		ID:     r.Name,
		Scope:  scope,
		Labels: r.Metadata.Labels.Map(),
		Fields: map[string]any{
			FieldName:        r.Name,
			FieldRemoteID:    remote,
			FieldState:       strings.ToUpper(r.State),
			FieldStartTime:   r.StartTime,
			FieldDuration:    r.Duration,
			FieldContinuous:  r.Continuous,
			FieldToDisk:      r.ToDisk,
			FieldMaxSize:     r.MaxSize,
			FieldMaxAge:      r.MaxAge,
			FieldDownloadURL: r.DownloadURL,
			FieldReportURL:   r.ReportURL,
		},
	}
}

// FromArchivedRecording builds a per-target archived-recordings row.
func FromArchivedRecording(scope Scope, r ArchivedRecording) Entity {
	return Entity{
		Kind:   KindArchivedRecording,
		ID:     r.Name,
		Scope:  scope,
		Labels: r.Metadata.Labels.Map(),
		Fields: archivedFields(r),
	}
}

// FromArchive builds an all-archives row. Names are only unique per target, so
// the identity carries the jvmId.
func FromArchive(r ArchivedRecording) Entity {
	return Entity{
		Kind:   KindAllArchives,
		ID:     ArchiveID(r.JvmID, r.Name),
		Scope:  Global,
		Labels: r.Metadata.Labels.Map(),
		Fields: archivedFields(r),
	}
}

// ArchiveID is the composite identity used by the all-archives list.
func ArchiveID(jvmID, name string) string {
	return jvmID + "/" + name
}

func archivedFields(r ArchivedRecording) map[string]any {
	return map[string]any{
		FieldName:         r.Name,
		FieldJvmID:        r.JvmID,
		FieldState:        StateArchived,
		FieldSize:         r.Size,
		FieldArchivedTime: r.ArchivedTime,
		FieldDownloadURL:  r.DownloadURL,
		FieldReportURL:    r.ReportURL,
	}
}

// FromDirectory builds a directories row; the recording count lives in the
// list's aggregates, not on the row.
func FromDirectory(d Directory) Entity {
	return Entity{
		Kind:  KindDirectory,
		ID:    d.JvmID,
		Scope: Global,
		Fields: map[string]any{
			FieldJvmID:      d.JvmID,
			FieldConnectURL: d.ConnectURL,
		},
	}
}

func FromTarget(t Target) Entity {
	alias := t.Alias
	if alias == "" {
		alias = t.ConnectURL
	}
	return Entity{
		Kind:   KindTarget,
		ID:     t.ConnectURL,
		Scope:  Global,
		Labels: t.Labels.Map(),
		Fields: map[string]any{
			FieldJvmID:      t.JvmID,
			FieldConnectURL: t.ConnectURL,
			FieldAlias:      alias,
		},
	}
}

func FromRule(r Rule) Entity {
	return Entity{
		Kind:  KindRule,
		ID:    r.Name,
		Scope: Global,
		Fields: map[string]any{
			FieldName:               r.Name,
			FieldDescription:        r.Description,
			FieldMatchExpression:    r.MatchExpression,
			FieldEventSpecifier:     r.EventSpecifier,
			FieldEnabled:            r.Enabled,
			"archivalPeriodSeconds": r.ArchivalPeriodSeconds,
			"initialDelaySeconds":   r.InitialDelaySeconds,
			"preservedArchives":     r.PreservedArchives,
			"maxAgeSeconds":         r.MaxAgeSeconds,
			"maxSizeBytes":          r.MaxSizeBytes,
		},
	}
}

func FromCredential(c Credential) Entity {
	return Entity{
		Kind:  KindCredential,
		ID:    strconv.FormatInt(c.ID, 10),
		Scope: Global,
		Fields: map[string]any{
			FieldMatchExpression: c.MatchExpression,
			FieldMatchedTargets:  c.NumMatchingTargets,
		},
	}
}

// EventTemplateID keys templates by type and name; a target template and a
// custom template may share a name.
func EventTemplateID(templateType, name string) string {
	return strings.ToUpper(templateType) + "/" + name
}

func FromEventTemplate(t EventTemplate) Entity {
	return Entity{
		Kind:  KindEventTemplate,
		ID:    EventTemplateID(t.Type, t.Name),
		Scope: Global,
		Fields: map[string]any{
			FieldName:         t.Name,
			FieldDescription:  t.Description,
			FieldProvider:     t.Provider,
			FieldTemplateType: strings.ToUpper(t.Type),
		},
	}
}

func FromProbeTemplate(t ProbeTemplate) Entity {
	return Entity{
		Kind:  KindProbeTemplate,
		ID:    t.FileName,
		Scope: Global,
		Fields: map[string]any{
			FieldFileName: t.FileName,
		},
	}
}
