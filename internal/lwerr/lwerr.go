// Package lwerr defines the pipeline's error taxonomy. Every error carries a
// Category so callers can decide between skipping, retrying, reporting a gap,
// and aborting without string matching.
package lwerr

import (
	"errors"
	"fmt"

	"github.com/hargabyte/lwreport/internal/query"
)

// Category groups errors by how the pipeline reacts to them.
type Category string

const (
	CategoryFetch       Category = "fetch_failed"
	CategoryRateLimit   Category = "rate_limit_exceeded"
	CategoryProtocol    Category = "protocol_error"
	CategorySchema      Category = "schema_mismatch"
	CategoryPersistence Category = "persistence_error"
	CategoryRender      Category = "render_error"
	CategoryFatal       Category = "fatal"
)

type classified interface {
	error
	Category() Category
	Retryable() bool
}

// FetchFailed is a sub-range whose transient failures outlasted the retry budget.
type FetchFailed struct {
	Range    query.TimeRange
	Attempts int
	Err      error
}

func (e *FetchFailed) Error() string {
	return fmt.Sprintf("fetch failed for %s after %d attempts: %v", e.Range, e.Attempts, e.Err)
}
func (e *FetchFailed) Unwrap() error      { return e.Err }
func (e *FetchFailed) Category() Category { return CategoryFetch }
func (e *FetchFailed) Retryable() bool    { return true }

// RateLimitExceeded is a sub-range that stayed throttled past the retry bound.
type RateLimitExceeded struct {
	Range    query.TimeRange
	Attempts int
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s after %d attempts", e.Range, e.Attempts)
}
func (e *RateLimitExceeded) Category() Category { return CategoryRateLimit }
func (e *RateLimitExceeded) Retryable() bool    { return true }

// ProtocolError means the API broke its contract, e.g. a repeating cursor.
type ProtocolError struct {
	Reason string
	Cursor string
}

func (e *ProtocolError) Error() string {
	if e.Cursor != "" {
		return fmt.Sprintf("protocol error: %s (cursor %q)", e.Reason, e.Cursor)
	}
	return "protocol error: " + e.Reason
}
func (e *ProtocolError) Category() Category { return CategoryProtocol }
func (e *ProtocolError) Retryable() bool    { return false }

// SchemaMismatch is a row-level normalization failure.
type SchemaMismatch struct {
	Column string
	Reason string
	Value  any
}

func (e *SchemaMismatch) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("schema mismatch on column %s: %s (got %v)", e.Column, e.Reason, e.Value)
	}
	return fmt.Sprintf("schema mismatch on column %s: %s", e.Column, e.Reason)
}
func (e *SchemaMismatch) Category() Category { return CategorySchema }
func (e *SchemaMismatch) Retryable() bool    { return false }

// PersistenceError is a batch that failed twice. From and To are row offsets
// into the upserted sequence, To exclusive.
type PersistenceError struct {
	Table string
	From  int
	To    int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting rows [%d,%d) into %s: %v", e.From, e.To, e.Table, e.Err)
}
func (e *PersistenceError) Unwrap() error      { return e.Err }
func (e *PersistenceError) Category() Category { return CategoryPersistence }
func (e *PersistenceError) Retryable() bool    { return false }

// RenderError is one failed component of a report.
type RenderError struct {
	Report    string
	Component string
	Err       error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s/%s: %v", e.Report, e.Component, e.Err)
}
func (e *RenderError) Unwrap() error      { return e.Err }
func (e *RenderError) Category() Category { return CategoryRender }
func (e *RenderError) Retryable() bool    { return false }

// Fatal aborts a run: bad credentials, unreachable store, invalid definition.
type Fatal struct {
	Reason string
	Err    error
}

func (e *Fatal) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}
func (e *Fatal) Unwrap() error      { return e.Err }
func (e *Fatal) Category() Category { return CategoryFatal }
func (e *Fatal) Retryable() bool    { return false }

// NewFatal wraps err as a Fatal. A nil err still yields an error.
func NewFatal(reason string, err error) error {
	return &Fatal{Reason: reason, Err: err}
}

// CategoryOf returns the category of the outermost classified error in the chain,
// or "" when none is classified.
func CategoryOf(err error) Category {
	var c classified
	if errors.As(err, &c) {
		return c.Category()
	}
	return ""
}

// IsRetryable reports whether the classified error in err's chain may succeed on retry.
func IsRetryable(err error) bool {
	var c classified
	if errors.As(err, &c) {
		return c.Retryable()
	}
	return false
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

// PersistenceErrors returns every PersistenceError in err's tree, in order,
// including those joined with errors.Join.
func PersistenceErrors(err error) []*PersistenceError {
	var out []*PersistenceError
	var walk func(error)
	walk = func(e error) {
		switch x := e.(type) {
		case nil:
		case *PersistenceError:
			out = append(out, x)
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return out
}
