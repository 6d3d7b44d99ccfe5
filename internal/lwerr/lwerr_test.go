package lwerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hargabyte/lwreport/internal/query"
)

func TestCategoryOf(t *testing.T) {
	r := query.TimeRange{Start: time.Unix(0, 0), End: time.Unix(3600, 0)}

	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"fetch", &FetchFailed{Range: r, Attempts: 3, Err: context.DeadlineExceeded}, CategoryFetch},
		{"rate limit", &RateLimitExceeded{Range: r, Attempts: 6}, CategoryRateLimit},
		{"protocol", &ProtocolError{Reason: "repeated cursor", Cursor: "abc"}, CategoryProtocol},
		{"schema", &SchemaMismatch{Column: "severity", Reason: "required"}, CategorySchema},
		{"persistence", &PersistenceError{Table: "r_alerts", From: 0, To: 500, Err: errors.New("locked")}, CategoryPersistence},
		{"render", &RenderError{Report: "alerts", Component: "chart:by_severity", Err: errors.New("boom")}, CategoryRender},
		{"fatal", NewFatal("invalid credentials", nil), CategoryFatal},
		{"wrapped", fmt.Errorf("run alerts: %w", &ProtocolError{Reason: "x"}), CategoryProtocol},
		{"plain", errors.New("plain"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestRetryableAndFatal(t *testing.T) {
	assert.True(t, IsRetryable(&FetchFailed{Err: errors.New("reset")}))
	assert.True(t, IsRetryable(&RateLimitExceeded{}))
	assert.False(t, IsRetryable(&ProtocolError{Reason: "x"}))
	assert.False(t, IsRetryable(errors.New("plain")))

	assert.True(t, IsFatal(fmt.Errorf("open store: %w", NewFatal("store unreachable", errors.New("EACCES")))))
	assert.False(t, IsFatal(&PersistenceError{Err: errors.New("x")}))
}

func TestUnwrapKeepsCause(t *testing.T) {
	err := &FetchFailed{Err: context.Canceled}
	assert.ErrorIs(t, err, context.Canceled)

	perr := &PersistenceError{Table: "r_alerts", From: 500, To: 1000, Err: errors.New("disk full")}
	assert.Contains(t, perr.Error(), "[500,1000)")
}

func TestPersistenceErrorsWalksJoinedTree(t *testing.T) {
	first := &PersistenceError{Table: "r_Alert", From: 0, To: 2, Err: errors.New("locked")}
	second := &PersistenceError{Table: "r_Alert", From: 4, To: 6, Err: errors.New("locked")}
	err := fmt.Errorf("upsert: %w", errors.Join(first, errors.New("other"), second))

	got := PersistenceErrors(err)
	assert.Equal(t, []*PersistenceError{first, second}, got)
	assert.Equal(t, CategoryPersistence, CategoryOf(err))
	assert.Nil(t, PersistenceErrors(nil))
	assert.Nil(t, PersistenceErrors(errors.New("plain")))
}
