package tub

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unknown capability", fmt.Errorf("%w: no reference 3", ErrUnknownCapability), KindUnknownCapability},
		{"no such method", ErrNoSuchMethod, KindNoSuchMethod},
		{"local gift failure", fmt.Errorf("%w: %w", ErrGiftResolutionFailed, ErrNoLocation), KindGiftResolutionFailed},
		{"serialization", fmt.Errorf("%w: too big", ErrSerialization), KindSerialization},
		{"application", errors.New("nope"), KindApplication},
		{
			"remote gift failure passed on by a method",
			fmt.Errorf("calling carol: %w", &RemoteError{Kind: KindGiftResolutionFailed, Message: "unreachable"}),
			KindApplication,
		},
		{
			"remote unknown capability passed on by a method",
			&RemoteError{Kind: KindUnknownCapability, Message: "gone"},
			KindApplication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}

func TestRemoteError(t *testing.T) {
	err := error(&RemoteError{Kind: KindGiftResolutionFailed, Message: "unreachable"})
	require.ErrorIs(t, err, ErrGiftResolutionFailed)
	require.NotErrorIs(t, err, ErrConnectionLost)
	require.NoError(t, (&RemoteError{Kind: KindApplication}).Unwrap())
}
