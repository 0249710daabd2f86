package pylon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  &Error{Kind: KindTransfer, Message: "transfer rejected"},
			want: "transfer rejected",
		},
		{
			name: "message with cause",
			err:  &Error{Kind: KindTransfer, Message: "failed to open source file", Err: cause},
			want: "failed to open source file: connection reset",
		},
		{
			name: "cause only",
			err:  &Error{Kind: KindInternal, Err: cause},
			want: "connection reset",
		},
		{
			name: "empty",
			err:  &Error{Kind: KindCodegen},
			want: "codegen error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	sentinel := errors.New("boom")
	err := &Error{Kind: KindTransfer, Message: "outer", Err: fmt.Errorf("inner: %w", sentinel)}

	assert.ErrorIs(t, err, sentinel)

	var perr *Error
	require.ErrorAs(t, fmt.Errorf("wrapped again: %w", err), &perr)
	assert.Equal(t, KindTransfer, perr.Kind)
}

func TestErrorMarshalJSON(t *testing.T) {
	err := &Error{Kind: KindTransfer, Message: "checksum mismatch", Err: errors.New("want abc, got def")}

	data, merr := json.Marshal(err)
	require.NoError(t, merr)
	assert.Equal(t, `"checksum mismatch: want abc, got def"`, string(data))
}

func TestErrorKindString(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{KindGeneric, "generic"},
		{KindCodegen, "codegen"},
		{KindRelayHint, "relay-hint"},
		{KindURLParse, "url-parse"},
		{KindTransfer, "transfer"},
		{KindInternal, "internal"},
		{KindBuilder, "builder"},
		{ErrorKind(99), "kind(99)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, classify(nil, KindTransfer))
	})

	t.Run("plain error takes the layer kind", func(t *testing.T) {
		err := classify(errors.New("socket closed"), KindTransfer)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, KindTransfer, perr.Kind)
	})

	t.Run("classified error passes through", func(t *testing.T) {
		original := newError(KindCodegen, msgPendingHandshake)
		wrapped := fmt.Errorf("while generating: %w", original)

		err := classify(wrapped, KindTransfer)
		assert.Equal(t, wrapped, err)

		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, KindCodegen, perr.Kind)
	})

	t.Run("cause stays visible through the wrapper", func(t *testing.T) {
		cause := fmt.Errorf("claiming nameplate: %w", context.Canceled)

		err := classify(cause, KindInternal)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, KindInternal, perr.Kind)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
