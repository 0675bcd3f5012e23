package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	sentinel := New(KindState, "cycle already active")
	err := fmt.Errorf("trigger: %w", sentinel)

	assert.Equal(t, KindState, KindOf(err))
	assert.Equal(t, "cycle already active", MessageOf(err))
	assert.True(t, errors.Is(err, sentinel))
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("disk on fire")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "disk on fire", MessageOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("io timeout")
	err := Wrap(KindUnavailable, cause, "analysis unavailable")

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "analysis unavailable: io timeout", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:  http.StatusBadRequest,
		KindState:       http.StatusBadRequest,
		KindRejected:    http.StatusBadRequest,
		KindNotFound:    http.StatusNotFound,
		KindUnavailable: http.StatusServiceUnavailable,
		KindInternal:    http.StatusInternalServerError,

		KindUnauthenticated: http.StatusUnauthorized,
		KindRateLimited:     http.StatusTooManyRequests,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}
