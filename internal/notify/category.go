// Package notify decodes the backend's push notifications and turns them into
// list events. The Hub owns the single websocket connection and fans messages
// out to subscribers by category.
package notify

// Category tags a push notification.
type Category string

const (
	ActiveRecordingCreated   Category = "ActiveRecordingCreated"
	ActiveRecordingStopped   Category = "ActiveRecordingStopped"
	ActiveRecordingSaved     Category = "ActiveRecordingSaved"
	ActiveRecordingDeleted   Category = "ActiveRecordingDeleted"
	ArchivedRecordingCreated Category = "ArchivedRecordingCreated"
	ArchivedRecordingDeleted Category = "ArchivedRecordingDeleted"
	RecordingMetadataUpdated Category = "RecordingMetadataUpdated"

	// TargetJvmDiscovery is the wire category for target discovery. Decode
	// resolves it to TargetFound, TargetLost or TargetModified.
	TargetJvmDiscovery Category = "TargetJvmDiscovery"
	TargetFound        Category = "TargetFound"
	TargetLost         Category = "TargetLost"
	TargetModified     Category = "TargetModified"

	RuleCreated Category = "RuleCreated"
	RuleUpdated Category = "RuleUpdated"
	RuleDeleted Category = "RuleDeleted"

	CredentialsStored  Category = "CredentialsStored"
	CredentialsDeleted Category = "CredentialsDeleted"

	TemplateUploaded Category = "TemplateUploaded"
	TemplateDeleted  Category = "TemplateDeleted"

	ProbeTemplateUploaded Category = "ProbeTemplateUploaded"
	ProbeTemplateDeleted  Category = "ProbeTemplateDeleted"
)

func (c Category) String() string { return string(c) }

var discoveryKinds = map[string]Category{
	"FOUND":    TargetFound,
	"LOST":     TargetLost,
	"MODIFIED": TargetModified,
}
