package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewJobID(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 123456000, time.FixedZone("JST", 9*3600))

	id, err := NewJobID(now)
	require.NoError(t, err)
	require.True(t, ValidJobID(id), id)
	require.True(t, strings.HasPrefix(id, "20240309T050507.123456Z-"), id)

	other, err := NewJobID(now)
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}

func TestValidJobID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "20240309T050507.123456Z-abcdefghijklmnopqrstuv_-", true},
		{"empty", "", false},
		{"missing random part", "20240309T050507.123456Z-", false},
		{"short random part", "20240309T050507.123456Z-abc", false},
		{"bad separator", "20240309T050507.123456Z_abcdefghijklmnopqrstuv_-", false},
		{"bad characters", "20240309T050507.123456Z-abcdefghijklmnopqrstuv/+", false},
		{"sql", "'; DROP TABLE jobs; --", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ValidJobID(tt.id))
		})
	}
}

func TestOutputMode(t *testing.T) {
	tests := []struct {
		mode      OutputMode
		valid     bool
		withScore bool
		withSeq   bool
	}{
		{ModeMinimum, true, false, false},
		{ModeMatchScore, true, true, false},
		{ModeSequence, true, false, true},
		{ModeMaximum, true, true, true},
		{OutputMode("everything"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			require.Equal(t, tt.valid, tt.mode.Valid())
			require.Equal(t, tt.withScore, tt.mode.WithScore())
			require.Equal(t, tt.withSeq, tt.mode.WithSequence())
		})
	}
}
