package channel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed frame payload (16 MiB).
const MaxFrameSize = 16 << 20

// frameHeaderSize is the length of the big-endian size prefix.
const frameHeaderSize = 4

// WriteFrame writes v as a length-prefixed JSON frame to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return writeRaw(w, data)
}

// writeRaw emits prefix and payload in a single Write so that concurrent
// readers on stream transports never observe a split header.
func writeRaw(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds maximum %d: %w", len(data), MaxFrameSize, ErrFrameTooLarge)
	}

	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[frameHeaderSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its payload.
// An oversized frame is skipped in full and reported as ErrFrameTooLarge, so
// the stream stays aligned on the next frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, fmt.Errorf("discard oversized frame: %w", err)
		}
		return nil, fmt.Errorf("frame size %d exceeds maximum %d: %w", length, MaxFrameSize, ErrFrameTooLarge)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
