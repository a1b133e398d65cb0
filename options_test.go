package tub

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"negative listen port", WithListenOn("127.0.0.1", -1)},
		{"listen port out of range", WithListenOn("127.0.0.1", 70000)},
		{"empty location", WithLocation("127.0.0.1:1", "")},
		{"missing certificate", WithCertificate(tls.Certificate{})},
		{"missing tls config", WithTlsConfig(nil)},
		{"zero frame size", WithMaxFrameSize(0)},
		{"negative directory port", WithDirectory("127.0.0.1", -1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create(tt.opt, WithLog(testHandler("options")))
			require.ErrorIs(t, err, ErrInvalidCfg)
		})
	}

	t.Run("locations override the listening address", func(t *testing.T) {
		tb := newTestTub(t, "located", WithLocation("tub.example:4000"))
		require.Equal(t, []string{"tub.example:4000"}, tb.Locations())
		require.Equal(t, []string{"tub.example:4000"}, tb.Register(NewObject("obj")).Locations)
	})

	t.Run("dial-only tubs have no location", func(t *testing.T) {
		tb := newDialOnlyTub(t, "dialer")
		require.Empty(t, tb.Locations())
	})
}
