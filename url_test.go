package tub

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    URL
		invalid bool
	}{
		{
			raw: "pb://tub1@127.0.0.1:4000/cap1",
			want: URL{
				TubID:      "tub1",
				Locations:  []string{"127.0.0.1:4000"},
				Capability: "cap1",
			},
		},
		{
			raw: "pb://tub1@a.example:1,[::1]:2/cap1",
			want: URL{
				TubID:      "tub1",
				Locations:  []string{"a.example:1", "[::1]:2"},
				Capability: "cap1",
			},
		},
		{
			raw: "pb://tub1@/cap1",
			want: URL{
				TubID:      "tub1",
				Capability: "cap1",
			},
		},
		{raw: "http://tub1@127.0.0.1:4000/cap1", invalid: true},
		{raw: "pb://127.0.0.1:4000/cap1", invalid: true},
		{raw: "pb://@127.0.0.1:4000/cap1", invalid: true},
		{raw: "pb://tub1@127.0.0.1:4000", invalid: true},
		{raw: "pb://tub1@127.0.0.1:4000/", invalid: true},
		{raw: "pb://tub1@127.0.0.1:4000/cap/1", invalid: true},
		{raw: "pb://tub1@a:1,,b:2/cap1", invalid: true},
		{raw: "", invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseURL(tt.raw)
			if tt.invalid {
				require.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.raw, got.String())
		})
	}
}

func TestURLLogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	u := URL{TubID: "tub1", Locations: []string{"127.0.0.1:4000"}, Capability: "secret"}
	logger.Info("resolving", LabelURL.L(u))

	require.Contains(t, buf.String(), "tub1")
	require.Contains(t, buf.String(), "127.0.0.1:4000")
	require.NotContains(t, buf.String(), "secret")
	require.True(t, URL{TubID: "tub1"}.IsZero())
}
