package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// DefaultTextMaxFrame bounds a single text frame including the trailing
// newline.
const DefaultTextMaxFrame = 1024

// TextFactory returns a Factory for the newline-delimited text protocol:
// one frame per line, shaped "<commandId>:<utf8-content>\n". The sequence id
// has no wire representation in this protocol.
func TextFactory(maxFrame int) Factory {
	if maxFrame <= 0 {
		maxFrame = DefaultTextMaxFrame
	}
	return func() Codec {
		return Codec{
			FrameDecoder: &lineFrameDecoder{max: maxFrame},
			Decoder:      textDecoder{},
			Encoder:      textEncoder{max: maxFrame},
		}
	}
}

// lineFrameDecoder splits the stream on '\n', buffering partial lines.
type lineFrameDecoder struct {
	buf bytes.Buffer
	max int
}

func (d *lineFrameDecoder) Frames(chunk []byte) ([][]byte, error) {
	d.buf.Write(chunk)

	var frames [][]byte
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			if d.buf.Len() > d.max {
				return nil, fmt.Errorf("%w: %d buffered, max %d", ErrFrameTooLarge, d.buf.Len(), d.max)
			}
			return frames, nil
		}
		if idx+1 > d.max {
			return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, idx+1, d.max)
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		d.buf.Next(idx + 1)
		// Tolerate \r\n producers.
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		frames = append(frames, line)
	}
}

type textDecoder struct{}

func (textDecoder) Decode(frame []byte) (*Message, error) {
	idx := bytes.IndexByte(frame, ':')
	if idx <= 0 {
		return nil, fmt.Errorf("%w: missing command separator", ErrDecode)
	}
	cmd, err := strconv.Atoi(string(frame[:idx]))
	if err != nil {
		return nil, fmt.Errorf("%w: bad command id %q", ErrDecode, frame[:idx])
	}
	payload := make([]byte, len(frame)-idx-1)
	copy(payload, frame[idx+1:])
	return &Message{CommandID: cmd, Payload: payload}, nil
}

type textEncoder struct {
	max int
}

func (e textEncoder) Encode(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(msg.CommandID))
	buf.WriteByte(':')
	buf.Write(msg.Payload)
	buf.WriteByte('\n')
	if buf.Len() > e.max {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, buf.Len(), e.max)
	}
	return buf.Bytes(), nil
}
