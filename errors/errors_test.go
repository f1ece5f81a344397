package errors

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestWrapHelpers(t *testing.T) {
	base := stderrors.New("disk write failed")

	err := WrapTransient(base, "disktier", "Set", "write data file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disktier.Set")
	assert.True(t, IsTransient(err))
	assert.True(t, stderrors.Is(err, base))

	err = WrapInvalid(ErrEmptyKey, "tieredcache", "Set", "key validation")
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))

	err = WrapFatal(ErrIndexCorrupted, "disktier", "loadIndex", "parse index")
	assert.True(t, IsFatal(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"tier unavailable is transient", ErrTierUnavailable, ErrorTransient},
		{"deadline exceeded is transient", context.DeadlineExceeded, ErrorTransient},
		{"empty key is invalid", ErrEmptyKey, ErrorInvalid},
		{"value too large is invalid", ErrValueTooLarge, ErrorInvalid},
		{"index corrupted is fatal", ErrIndexCorrupted, ErrorFatal},
		{"invalid config is fatal", ErrInvalidConfig, ErrorFatal},
		{"message pattern timeout", stderrors.New("redis: dial timeout"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
