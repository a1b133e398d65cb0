package wire

import (
	"context"
	"io"
	"sync"
)

// Sender writes frames to a stream in the order they were queued.
//
// Send is non-blocking and safe for concurrent use, a single goroutine
// running [Sender.Run] performs the writes.
type Sender struct {
	w     io.Writer
	queue *Queue[[]byte]

	// handle Close sync.
	err error
	lk  sync.Mutex

	// OnWrite is called after every successful write with the frame size,
	// including its length prefix. It must not block.
	OnWrite func(n int)
}

func NewSender(w io.Writer) *Sender {
	return &Sender{
		w:     w,
		queue: NewQueue[[]byte](),
	}
}

// Send queues payload as the next frame.
func (s *Sender) Send(payload []byte) error {
	s.lk.Lock()
	err := s.err
	s.lk.Unlock()
	if err != nil {
		return err
	}

	if !s.queue.Push(AppendFrame(nil, payload)) {
		return ErrQueueClosed
	}
	return nil
}

// Pending is the number of frames not written yet.
func (s *Sender) Pending() int {
	return s.queue.Len()
}

// Run writes queued frames until ctx is done, the sender is closed or a
// write fails.
func (s *Sender) Run(ctx context.Context) error {
	for {
		frame, err := s.queue.Pop(ctx)
		if err != nil {
			s.closeWith(err)
			return err
		}

		if _, err := s.w.Write(frame); err != nil {
			s.closeWith(err)
			return err
		}
		if s.OnWrite != nil {
			s.OnWrite(len(frame))
		}
	}
}

// Close stops the sender, frames still queued are dropped.
func (s *Sender) Close() error {
	s.closeWith(ErrQueueClosed)
	return nil
}

func (s *Sender) closeWith(cause error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.err != nil {
		return
	}
	s.err = cause
	s.queue.Close()
}
