package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/flightdeck-io/flightdeck/internal/entity"
)

func (c *Client) ListTargets(ctx context.Context) ([]entity.Target, error) {
	var out []entity.Target
	if err := c.getJSON(ctx, "list targets", "/api/v3/targets", &out); err != nil {
		return nil, err
	}
	c.mu.Lock()
	for _, t := range out {
		if t.JvmID != "" {
			c.targetIDs[t.JvmID] = t.ID
		}
	}
	c.mu.Unlock()
	return out, nil
}

// targetID maps a jvmId to the backend's numeric target id, refreshing the
// cache from the target list on a miss.
func (c *Client) targetID(ctx context.Context, jvmID string) (int64, error) {
	c.mu.Lock()
	id, ok := c.targetIDs[jvmID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	if _, err := c.ListTargets(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	id, ok = c.targetIDs[jvmID]
	c.mu.Unlock()
	if !ok {
		return 0, &FetchError{Reason: FetchServer, Op: "resolve target", Status: http.StatusNotFound, Err: fmt.Errorf("%w: %s", ErrUnknownTarget, jvmID)}
	}
	return id, nil
}

func (c *Client) ListRecordings(ctx context.Context, jvmID string) ([]entity.Recording, error) {
	id, err := c.targetID(ctx, jvmID)
	if err != nil {
		return nil, err
	}
	var out []entity.Recording
	path := "/api/v3/targets/" + strconv.FormatInt(id, 10) + "/recordings"
	if err := c.getJSON(ctx, "list recordings", path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListArchivedRecordings(ctx context.Context, jvmID string) ([]entity.ArchivedRecording, error) {
	id, err := c.targetID(ctx, jvmID)
	if err != nil {
		return nil, err
	}
	var data struct {
		TargetNodes []struct {
			Target struct {
				JvmID              string `json:"jvmId"`
				ArchivedRecordings struct {
					Data []entity.ArchivedRecording `json:"data"`
				} `json:"archivedRecordings"`
			} `json:"target"`
		} `json:"targetNodes"`
	}
	if err := c.doGraphQL(ctx, "list archived recordings", archivedForTargetQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, err
	}
	var out []entity.ArchivedRecording
	for _, node := range data.TargetNodes {
		for _, r := range node.Target.ArchivedRecordings.Data {
			if r.JvmID == "" {
				r.JvmID = jvmID
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Client) ListAllArchives(ctx context.Context) ([]entity.ArchivedRecording, error) {
	var data struct {
		ArchivedRecordings struct {
			Data []entity.ArchivedRecording `json:"data"`
		} `json:"archivedRecordings"`
	}
	if err := c.doGraphQL(ctx, "list all archives", allArchivesQuery, nil, &data); err != nil {
		return nil, err
	}
	return data.ArchivedRecordings.Data, nil
}

// ListDirectories returns archived recordings grouped by source target. It
// includes targets that are no longer reachable.
func (c *Client) ListDirectories(ctx context.Context) ([]entity.Directory, error) {
	var out []entity.Directory
	if err := c.getJSON(ctx, "list archive directories", "/api/beta/fs/recordings", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListRules(ctx context.Context) ([]entity.Rule, error) {
	var out []entity.Rule
	if err := c.getJSON(ctx, "list rules", "/api/v3/rules", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListCredentials(ctx context.Context) ([]entity.Credential, error) {
	var out []entity.Credential
	if err := c.getJSON(ctx, "list credentials", "/api/v3/credentials", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListEventTemplates(ctx context.Context) ([]entity.EventTemplate, error) {
	var out []entity.EventTemplate
	if err := c.getJSON(ctx, "list event templates", "/api/v3/event_templates", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListProbeTemplates(ctx context.Context) ([]entity.ProbeTemplate, error) {
	var out []entity.ProbeTemplate
	if err := c.getJSON(ctx, "list probe templates", "/api/v3/probes", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func escape(s string) string { return url.PathEscape(s) }
