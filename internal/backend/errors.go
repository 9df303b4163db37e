package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// FetchReason classifies a failed read.
type FetchReason string

const (
	FetchNetwork       FetchReason = "network"
	FetchAuthorization FetchReason = "authorization"
	FetchServer        FetchReason = "server"
)

// FetchError is returned by every read. Authorization failures need a manual
// retry; the others may be retried by polling.
type FetchError struct {
	Reason FetchReason
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Reason, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MutationReason classifies a failed write.
type MutationReason string

const (
	MutationRejected MutationReason = "rejected"
	MutationNetwork  MutationReason = "network"
)

// MutationError is returned by every write. Writes are never retried.
type MutationError struct {
	Reason MutationReason
	Op     string
	Status int
	Err    error
}

func (e *MutationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Reason, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

var (
	ErrUnknownTarget = errors.New("target not found")
	ErrGraphQL       = errors.New("graphql query failed")
)

// IsAuthorization reports whether err is a read rejected for lack of
// credentials or permission.
func IsAuthorization(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Reason == FetchAuthorization
}

// FetchReasonOf returns the reason of a FetchError, defaulting to
// FetchNetwork for anything else.
func FetchReasonOf(err error) FetchReason {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return FetchNetwork
}

// StatusOf returns the HTTP status carried by a FetchError or MutationError.
func StatusOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Status
	}
	var me *MutationError
	if errors.As(err, &me) {
		return me.Status
	}
	return 0
}

func fetchReasonForStatus(status int) FetchReason {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return FetchAuthorization
	default:
		return FetchServer
	}
}
