package wire

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameReader(t *testing.T) {
	t.Run("reads back consecutive frames", func(t *testing.T) {
		var buf []byte
		buf = AppendFrame(buf, []byte("hello"))
		buf = AppendFrame(buf, nil)
		buf = AppendFrame(buf, bytes.Repeat([]byte{0xAB}, 300))

		fr := NewFrameReader(bytes.NewReader(buf), 0)
		frame, err := fr.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), frame)

		frame, err = fr.ReadFrame()
		require.NoError(t, err)
		require.Empty(t, frame)

		frame, err = fr.ReadFrame()
		require.NoError(t, err)
		require.Len(t, frame, 300)

		_, err = fr.ReadFrame()
		require.ErrorIs(t, err, io.EOF)
	})

	t.Run("rejects frames above the limit", func(t *testing.T) {
		buf := AppendFrame(nil, make([]byte, 64))
		fr := NewFrameReader(bytes.NewReader(buf), 32)
		_, err := fr.ReadFrame()
		require.ErrorIs(t, err, ErrTooLargeFrame)
	})

	t.Run("truncated frames are unexpected EOF", func(t *testing.T) {
		buf := AppendFrame(nil, []byte("truncated"))
		fr := NewFrameReader(bytes.NewReader(buf[:4]), 0)
		_, err := fr.ReadFrame()
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestSenderReceiver(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sender := NewSender(client)
	written := make(chan int, 16)
	sender.OnWrite = func(n int) { written <- n }
	go sender.Run(ctx)

	for i := uint64(1); i <= 3; i++ {
		payload, err := (&Message{Kind: KindCall, CallID: i, Method: "append"}).Marshal()
		require.NoError(t, err)
		require.NoError(t, sender.Send(payload))
	}

	receiver := NewReceiver(server, 0)
	for i := uint64(1); i <= 3; i++ {
		msg, err := receiver.Recv()
		require.NoError(t, err)
		require.Equal(t, KindCall, msg.Kind)
		require.Equal(t, i, msg.CallID)
		<-written
	}

	require.NoError(t, sender.Close())
	require.Error(t, sender.Send([]byte("late")))
}

func TestQueue(t *testing.T) {
	q := NewQueue[int]()
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	require.Equal(t, 2, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	popped := make(chan int, 1)
	go func() {
		v, err := q.Pop(ctx)
		if err == nil {
			popped <- v
		}
	}()
	require.Equal(t, 2, <-popped)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(3)
	}()
	v, err = q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, v)

	q.Push(4)
	require.Equal(t, []int{4}, q.Close())
	require.False(t, q.Push(5))
	_, err = q.Pop(ctx)
	require.ErrorIs(t, err, ErrQueueClosed)
}
