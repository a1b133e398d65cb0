package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds a single frame when no limit is configured.
const DefaultMaxFrameSize = 4 << 20

var (
	ErrTooLargeFrame = errors.New("wire: frame exceeds the maximum size")
	ErrMalformed     = errors.New("wire: malformed payload")
)

// AppendFrame appends payload to dst, prefixed by its varint length.
func AppendFrame(dst, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// FrameReader reads length-prefixed frames.
//
// It is not safe for concurrent use, a connection has a single reader.
type FrameReader struct {
	r   *bufio.Reader
	max int
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{
		r:   bufio.NewReader(r),
		max: maxSize,
	}
}

// ReadFrame returns the next frame payload. io.EOF is only returned on a
// clean frame boundary.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
		if len(buf) == binary.MaxVarintLen64 {
			return nil, ErrMalformed
		}
	}

	size, n := protowire.ConsumeVarint(buf)
	if err := protowire.ParseError(n); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if size > uint64(fr.max) {
		return nil, ErrTooLargeFrame
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
