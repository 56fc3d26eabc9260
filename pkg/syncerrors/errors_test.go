package syncerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesStack(t *testing.T) {
	inner := New(ErrorTypeConnection, "refused")
	outer := Wrap(inner, ErrorTypeQuery, "fetch failed")

	assert.Equal(t, inner.Stack, outer.Stack)
	assert.True(t, errors.Is(outer, inner))
	assert.Nil(t, Wrap(nil, ErrorTypeQuery, "nothing"))
}

func TestTypeOfAndHasType(t *testing.T) {
	inner := New(ErrorTypeAuthentication, "bad password")
	outer := fmt.Errorf("connect: %w", Wrap(inner, ErrorTypeConnection, "midrange"))

	assert.Equal(t, ErrorTypeConnection, TypeOf(outer))
	assert.True(t, HasType(outer, ErrorTypeAuthentication))
	assert.False(t, HasType(outer, ErrorTypeQuery))
	assert.Equal(t, ErrorTypeInternal, TypeOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		errType ErrorType
		want    bool
	}{
		{ErrorTypeConnection, true},
		{ErrorTypeTimeout, true},
		{ErrorTypePersistence, true},
		{ErrorTypeAuthentication, false},
		{ErrorTypeQuery, false},
		{ErrorTypeValidation, false},
		{ErrorTypeSyncConflict, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(New(tt.errType, "x")))
		})
	}
	assert.False(t, IsRetryable(errors.New("plain")))
}
