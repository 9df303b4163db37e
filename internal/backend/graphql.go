package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const graphQLPath = "/api/v3/graphql"

type graphQLError struct {
	Message string `json:"message"`
}

// doGraphQL runs a read-only query. Query errors reported in the body are
// server failures unless they mention authorization.
func (c *Client) doGraphQL(ctx context.Context, op, query string, variables map[string]any, out any) error {
	reqBody, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return &FetchError{Reason: FetchServer, Op: op, Err: err}
	}

	body, err := c.read(ctx, op, http.MethodPost, graphQLPath, reqBody, "application/json")
	if err != nil {
		return err
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &FetchError{Reason: FetchServer, Op: op, Err: fmt.Errorf("decode graphql response: %w", err)}
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		reason := FetchServer
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
			lower := strings.ToLower(e.Message)
			if strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden") {
				reason = FetchAuthorization
			}
		}
		return &FetchError{Reason: reason, Op: op, Err: fmt.Errorf("%w: %s", ErrGraphQL, strings.Join(msgs, "; "))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &FetchError{Reason: FetchServer, Op: op, Err: fmt.Errorf("decode graphql data: %w", err)}
	}
	return nil
}

const archivedFields = `name downloadUrl reportUrl size archivedTime metadata { labels { key value } }`

const archivedForTargetQuery = `query ArchivedRecordingsForTarget($id: BigInteger!) {
  targetNodes(filter: { targetIds: [$id] }) {
    target {
      jvmId
      archivedRecordings { data { ` + archivedFields + ` } }
    }
  }
}`

const allArchivesQuery = `query AllArchivedRecordings {
  archivedRecordings { data { jvmId ` + archivedFields + ` } }
}`
