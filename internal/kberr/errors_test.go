package kberr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInvalidArgument, KindOf(InvalidArgument("bad target_size")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("draft %s", "abc")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindTransient, cause, "fetch page")

	require.NotNil(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestWrapNil(t *testing.T) {
	var err error = Wrap(KindTransient, nil, "noop")
	// Typed nil must not escape as a non-nil error value.
	e, _ := err.(*Error)
	assert.Nil(t, e)
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	inner := New(KindConflictState, "finalize already called")
	outer := fmt.Errorf("finalize draft: %w", inner)

	assert.True(t, IsConflict(outer))
	assert.ErrorIs(t, outer, New(KindConflictState, "anything"))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindInvalidArgument, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindExpired, http.StatusNotFound},
		{KindForbidden, http.StatusForbidden},
		{KindConflictState, http.StatusConflict},
		{KindResourceExhausted, http.StatusTooManyRequests},
		{KindTransient, http.StatusServiceUnavailable},
		{KindDataError, http.StatusUnprocessableEntity},
		{KindProfileMismatch, http.StatusConflict},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.status, HTTPStatus(New(tc.kind, "x")))
		})
	}
}
