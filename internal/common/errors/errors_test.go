package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedError(t *testing.T) {
	base := Transient("broker unavailable", fmt.Errorf("dial tcp: refused"))
	wrapped := fmt.Errorf("publishing event: %w", base)

	assert.Equal(t, KindTransient, KindOf(wrapped))
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsConflict(wrapped))
}

func TestKindOfUnknownError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain error")))
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{Validation("missing field"), http.StatusBadRequest},
		{NotFound("story", "s-1"), http.StatusNotFound},
		{Conflict("invalid status transition"), http.StatusConflict},
		{Transient("timeout", nil), http.StatusServiceUnavailable},
		{Cancelled("deadline"), 499},
		{Internal("bug", nil), http.StatusInternalServerError},
		{fmt.Errorf("unclassified"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.err), "for %v", tt.err)
	}
}

func TestUnwrap(t *testing.T) {
	inner := fmt.Errorf("root cause")
	err := Wrap(KindInternal, "wrapping", inner)
	assert.ErrorIs(t, err, inner)
}
