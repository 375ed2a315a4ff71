package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := Transient("transcribe", errors.New("HTTP 503"), "upstream overloaded")
	wrapped := fmt.Errorf("process record: %w", base)

	require.True(t, IsTransient(wrapped))
	require.False(t, IsPermanent(wrapped))
	require.Equal(t, KindTransient, KindOf(wrapped))
	require.ErrorIs(t, wrapped, base)
}

func TestKindOfUnclassified(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{name: "op and msg", err: Config("config", "GEMINI_API_KEY is missing"), want: "config: GEMINI_API_KEY is missing"},
		{name: "msg and cause", err: Permanent("", errors.New("eof"), "read audio"), want: "read audio: eof"},
		{name: "cause only", err: Permanent("store", errors.New("eof"), ""), want: "store: eof"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.err.Error())
		})
	}
}

func TestStackCaptured(t *testing.T) {
	err := Permanent("op", nil, "missing audio")
	require.Contains(t, StackOf(err), "TestStackCaptured")
	require.Empty(t, StackOf(errors.New("plain")))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "config", KindConfig.String())
	require.Equal(t, "transient", KindTransient.String())
	require.Equal(t, "permanent", KindPermanent.String())
	require.Equal(t, "unknown", KindUnknown.String())
}
