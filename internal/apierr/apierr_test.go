// ABOUTME: Tests for the normalized error contract
// ABOUTME: Covers kind extraction through wrapping and the HTTP status mapping

package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := New(KindNetwork, "backend unreachable")
	wrapped := fmt.Errorf("sending: %w", base)

	assert.Equal(t, KindNetwork, KindOf(base))
	assert.Equal(t, KindNetwork, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestErrorsIsByKind(t *testing.T) {
	err := fmt.Errorf("x: %w", New(KindConflict, "already exists"))
	assert.ErrorIs(t, err, &Error{Kind: KindConflict})
	assert.NotErrorIs(t, err, &Error{Kind: KindNetwork})
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindPersistence, cause, "saving message")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "persistence: saving message")
	assert.Contains(t, err.Error(), "disk full")
}

func TestAs(t *testing.T) {
	e := As(errors.New("boom"))
	assert.Equal(t, KindInternal, e.Kind)

	orig := New(KindAuthExchange, "rejected").WithStatus(403).WithDetail("bad audience")
	got := As(fmt.Errorf("wrap: %w", orig))
	assert.Same(t, orig, got)
	assert.Equal(t, 403, got.Status)
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindUnauthenticated:  http.StatusUnauthorized,
		KindInvalidRequest:   http.StatusBadRequest,
		KindNotFound:         http.StatusNotFound,
		KindConflict:         http.StatusConflict,
		KindUpstreamBusiness: http.StatusOK,
		KindUpstreamProtocol: http.StatusInternalServerError,
		KindNetwork:          http.StatusInternalServerError,
		KindAuthExchange:     http.StatusInternalServerError,
		KindPersistence:      http.StatusInternalServerError,
		KindInternal:         http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}
