package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("503"), 503), true},
		{"wrapped", eris.Wrap(NewTransientError(errors.New("429"), 429), "embed: request"), true},
		{"plain", errors.New("bad request"), false},
		{"conn reset", fmt.Errorf("dial: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", fmt.Errorf("read: %w", timeoutErr{}), true},
		{"pattern", errors.New("read tcp: i/o timeout"), true},
		{"eof", errors.New("unexpected EOF"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestStatusError(t *testing.T) {
	err := StatusError("embedding", 503, "overloaded")
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "http 503")

	err = StatusError("embedding", 400, "bad input")
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "bad input")
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	te := NewTransientError(inner, 500)
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, "inner", te.Error())
}
