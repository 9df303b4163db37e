package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/flightdeck-io/flightdeck/internal/entity"
)

// RecordingOptions describes a new active recording. Durations are seconds;
// zero means continuous.
type RecordingOptions struct {
	Name            string            `json:"name"`
	TemplateName    string            `json:"templateName"`
	TemplateType    string            `json:"templateType"`
	DurationSeconds int64             `json:"duration,omitempty"`
	ToDisk          bool              `json:"toDisk"`
	MaxSizeBytes    int64             `json:"maxSize,omitempty"`
	MaxAgeSeconds   int64             `json:"maxAge,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// CredentialInput is a stored credential before the backend assigns an id.
type CredentialInput struct {
	MatchExpression string `json:"matchExpression"`
	Username        string `json:"username"`
	Password        string `json:"password"`
}

func multipartBody(fields map[string]string, fileField, fileName string, file io.Reader) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if fileField != "" && file != nil {
		fw, err := mw.CreateFormFile(fileField, fileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(fw, file); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (c *Client) recordingPath(ctx context.Context, op, jvmID string) (string, error) {
	id, err := c.targetID(ctx, jvmID)
	if err != nil {
		return "", &MutationError{Reason: MutationRejected, Op: op, Status: StatusOf(err), Err: err}
	}
	return "/api/v3/targets/" + strconv.FormatInt(id, 10) + "/recordings", nil
}

func (c *Client) CreateRecording(ctx context.Context, jvmID string, opts RecordingOptions) (entity.Recording, error) {
	const op = "create recording"
	base, err := c.recordingPath(ctx, op, jvmID)
	if err != nil {
		return entity.Recording{}, err
	}
	templateType := opts.TemplateType
	if templateType == "" {
		templateType = "TARGET"
	}
	fields := map[string]string{
		"recordingName": opts.Name,
		"events":        "template=" + opts.TemplateName + ",type=" + strings.ToUpper(templateType),
		"toDisk":        strconv.FormatBool(opts.ToDisk),
	}
	if opts.DurationSeconds > 0 {
		fields["duration"] = strconv.FormatInt(opts.DurationSeconds, 10)
	}
	if opts.MaxSizeBytes > 0 {
		fields["maxSize"] = strconv.FormatInt(opts.MaxSizeBytes, 10)
	}
	if opts.MaxAgeSeconds > 0 {
		fields["maxAge"] = strconv.FormatInt(opts.MaxAgeSeconds, 10)
	}
	if len(opts.Labels) > 0 {
		meta, err := json.Marshal(entity.Metadata{Labels: entity.KeyValuesFromMap(opts.Labels)})
		if err != nil {
			return entity.Recording{}, &MutationError{Reason: MutationRejected, Op: op, Err: err}
		}
		fields["metadata"] = string(meta)
	}
	body, contentType, err := multipartBody(fields, "", "", nil)
	if err != nil {
		return entity.Recording{}, &MutationError{Reason: MutationRejected, Op: op, Err: err}
	}
	data, err := c.write(ctx, op, http.MethodPost, base, body, contentType)
	if err != nil {
		return entity.Recording{}, err
	}
	var out entity.Recording
	if len(bytes.TrimSpace(data)) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	if out.Name == "" {
		out.Name = opts.Name
	}
	return out, nil
}

func (c *Client) patchRecording(ctx context.Context, op, jvmID string, remoteID int64, verb string) error {
	base, err := c.recordingPath(ctx, op, jvmID)
	if err != nil {
		return err
	}
	_, err = c.write(ctx, op, http.MethodPatch, base+"/"+strconv.FormatInt(remoteID, 10), strings.NewReader(verb), "text/plain")
	return err
}

func (c *Client) StopRecording(ctx context.Context, jvmID string, remoteID int64) error {
	return c.patchRecording(ctx, "stop recording", jvmID, remoteID, "STOP")
}

// ArchiveRecording saves a copy of an active recording to the archive.
func (c *Client) ArchiveRecording(ctx context.Context, jvmID string, remoteID int64) error {
	return c.patchRecording(ctx, "archive recording", jvmID, remoteID, "SAVE")
}

func (c *Client) DeleteRecording(ctx context.Context, jvmID string, remoteID int64) error {
	const op = "delete recording"
	base, err := c.recordingPath(ctx, op, jvmID)
	if err != nil {
		return err
	}
	_, err = c.write(ctx, op, http.MethodDelete, base+"/"+strconv.FormatInt(remoteID, 10), nil, "")
	return err
}

func (c *Client) UpdateRecordingLabels(ctx context.Context, jvmID string, remoteID int64, labels map[string]string) error {
	const op = "update recording labels"
	base, err := c.recordingPath(ctx, op, jvmID)
	if err != nil {
		return err
	}
	_, err = c.writeJSON(ctx, op, http.MethodPatch, base+"/"+strconv.FormatInt(remoteID, 10)+"/metadata/labels", entity.KeyValuesFromMap(labels))
	return err
}

func archivePath(jvmID, name string) string {
	return "/api/beta/fs/recordings/" + escape(jvmID) + "/" + escape(name)
}

func (c *Client) DeleteArchivedRecording(ctx context.Context, jvmID, name string) error {
	_, err := c.write(ctx, "delete archived recording", http.MethodDelete, archivePath(jvmID, name), nil, "")
	return err
}

func (c *Client) UpdateArchivedLabels(ctx context.Context, jvmID, name string, labels map[string]string) error {
	_, err := c.writeJSON(ctx, "update archived labels", http.MethodPatch, archivePath(jvmID, name)+"/metadata/labels", entity.KeyValuesFromMap(labels))
	return err
}

func (c *Client) CreateRule(ctx context.Context, r entity.Rule) error {
	_, err := c.writeJSON(ctx, "create rule", http.MethodPost, "/api/v3/rules", r)
	return err
}

func (c *Client) SetRuleEnabled(ctx context.Context, name string, enabled bool) error {
	_, err := c.writeJSON(ctx, "toggle rule", http.MethodPatch, "/api/v3/rules/"+escape(name), map[string]bool{"enabled": enabled})
	return err
}

// DeleteRule removes a rule. With clean set the backend also stops the
// recordings the rule started.
func (c *Client) DeleteRule(ctx context.Context, name string, clean bool) error {
	path := "/api/v3/rules/" + escape(name)
	if clean {
		path += "?clean=true"
	}
	_, err := c.write(ctx, "delete rule", http.MethodDelete, path, nil, "")
	return err
}

func (c *Client) StoreCredential(ctx context.Context, in CredentialInput) error {
	const op = "store credential"
	body, contentType, err := multipartBody(map[string]string{
		"matchExpression": in.MatchExpression,
		"username":        in.Username,
		"password":        in.Password,
	}, "", "", nil)
	if err != nil {
		return &MutationError{Reason: MutationRejected, Op: op, Err: err}
	}
	_, err = c.write(ctx, op, http.MethodPost, "/api/v3/credentials", body, contentType)
	return err
}

func (c *Client) DeleteCredential(ctx context.Context, id int64) error {
	_, err := c.write(ctx, "delete credential", http.MethodDelete, "/api/v3/credentials/"+strconv.FormatInt(id, 10), nil, "")
	return err
}

func (c *Client) UploadEventTemplate(ctx context.Context, fileName string, content io.Reader) error {
	const op = "upload event template"
	body, contentType, err := multipartBody(nil, "template", fileName, content)
	if err != nil {
		return &MutationError{Reason: MutationRejected, Op: op, Err: err}
	}
	_, err = c.write(ctx, op, http.MethodPost, "/api/v3/event_templates", body, contentType)
	return err
}

func (c *Client) DeleteEventTemplate(ctx context.Context, name string) error {
	_, err := c.write(ctx, "delete event template", http.MethodDelete, "/api/v3/event_templates/"+escape(name), nil, "")
	return err
}

func (c *Client) UploadProbeTemplate(ctx context.Context, name string, content io.Reader) error {
	const op = "upload probe template"
	body, contentType, err := multipartBody(nil, "probeTemplate", name, content)
	if err != nil {
		return &MutationError{Reason: MutationRejected, Op: op, Err: err}
	}
	_, err = c.write(ctx, op, http.MethodPost, "/api/v3/probes/"+escape(name), body, contentType)
	return err
}

func (c *Client) DeleteProbeTemplate(ctx context.Context, name string) error {
	_, err := c.write(ctx, "delete probe template", http.MethodDelete, "/api/v3/probes/"+escape(name), nil, "")
	return err
}
