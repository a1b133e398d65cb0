package wire

import (
	"context"
	"io"
)

// Receiver decodes messages from a stream and hands them to a handler in
// arrival order.
type Receiver struct {
	fr *FrameReader

	// OnRead is called after every frame with its payload size.
	OnRead func(n int)
}

func NewReceiver(r io.Reader, maxFrameSize int) *Receiver {
	return &Receiver{
		fr: NewFrameReader(r, maxFrameSize),
	}
}

// Recv blocks until the next message is decoded.
func (r *Receiver) Recv() (*Message, error) {
	payload, err := r.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if r.OnRead != nil {
		r.OnRead(len(payload))
	}

	msg := &Message{}
	if err := msg.Unmarshal(payload); err != nil {
		return nil, err
	}
	return msg, nil
}

// Run calls handle for every message until the stream fails, handle returns
// an error or ctx is done. A blocked read is only interrupted by closing the
// underlying stream.
func (r *Receiver) Run(ctx context.Context, handle func(*Message) error) error {
	for {
		msg, err := r.Recv()
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handle(msg); err != nil {
			return err
		}
	}
}
