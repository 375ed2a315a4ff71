package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "submissions", want: "submissions"},
		{in: "a/b/", want: "a/b"},
		{in: " a//b ", want: "a/b"},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "/etc", wantErr: true},
		{in: "a/../b", wantErr: true},
		{in: `a\b`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := CleanID(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFolderName(t *testing.T) {
	require.Equal(t, "cours", FolderName("cours"))
	require.Equal(t, InvalidFolderName, FolderName(""))
	require.Equal(t, InvalidFolderName, FolderName(".."))
	require.Equal(t, InvalidFolderName, FolderName("a/b"))
}

func TestChildID(t *testing.T) {
	require.Equal(t, "a/b", ChildID("a", "b"))
	require.Equal(t, "b", ChildID("", "b"))
}
