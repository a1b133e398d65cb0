package tub

import (
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// streamWrapper is the byte stream a broker runs on. Closing it closes the
// QUIC connection as well, once the peer had a chance to read what we
// flushed.
type streamWrapper struct {
	// NB: quic-go states Close MUST NOT be called concurrently with Write,
	// but the implementation serializes Write/Close/Read with a mutex, so
	// the broker sender and shutdown paths do not need extra sync.
	quic.Stream

	conn  quic.Connection
	grace time.Duration
	once  sync.Once
}

func (s *streamWrapper) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Stream.Close()
		s.Stream.CancelRead(quic.StreamErrorCode(QErrClosed.Code))
		go s.linger()
	})
	return err
}

func (s *streamWrapper) linger() {
	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-s.conn.Context().Done():
		// already closed, can't clean-up.
	case <-timer.C:
		// TODO(raskyld): contribute to quic-go to know when the send buffer
		// is drained instead of waiting blindly.
		QErrClosed.Close(s.conn, "broker closed")
	}
}
