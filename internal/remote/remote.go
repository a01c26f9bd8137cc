// Package remote defines the boundary to the target calendar service: the
// client contract, the error taxonomy every adapter maps onto, and the
// retry/pacing wrapper all remote calls go through.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbridge/internal/model"
)

// Kind is the outcome class of one remote call.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindGone
	KindRateLimited
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindGone:
		return "gone"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether a call that ended with k may succeed if repeated.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// Absent reports whether k means the addressed entity does not exist.
func (k Kind) Absent() bool {
	return k == KindNotFound || k == KindGone
}

// Error is returned by Client implementations for classified failures.
type Error struct {
	Kind       Kind
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps err onto a Kind. Unclassified errors are assumed to be
// network trouble and therefore transient; cancellation is never retried.
func Classify(err error) Kind {
	if err == nil {
		return KindOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// retryAfter extracts a server-provided wait hint, if any.
func retryAfter(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// ListRequest selects one page of entities overlapping [TimeMin, TimeMax).
type ListRequest struct {
	TimeMin   time.Time
	TimeMax   time.Time
	PageToken string
	PageSize  int
}

// Page is one page of a listing. An empty NextPageToken ends the scan.
type Page struct {
	Entities      []model.RemoteEntity
	NextPageToken string
}

// Client is the remote calendar, bound to one target calendar.
//
// Insert and Patch read content fields and Tags from the entity; RemoteID,
// Key, Managed and Created are ignored.
type Client interface {
	List(ctx context.Context, req ListRequest) (Page, error)
	Insert(ctx context.Context, e model.RemoteEntity) (string, error)
	Patch(ctx context.Context, id string, e model.RemoteEntity) error
	Delete(ctx context.Context, id string) error
}
