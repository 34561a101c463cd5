package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DefaultBinaryMaxFrame bounds the body of a length-prefixed frame.
const DefaultBinaryMaxFrame = 65536

// binaryHeaderLen is commandId(int32) + sequenceId(int64).
const binaryHeaderLen = 12

// BinaryFactory returns a Factory for the length-prefixed binary protocol:
// u32 big-endian body length, then i32 command id, i64 sequence id, payload.
// The length prefix covers the body only, never itself.
func BinaryFactory(maxFrame int) Factory {
	if maxFrame <= 0 {
		maxFrame = DefaultBinaryMaxFrame
	}
	return func() Codec {
		return Codec{
			FrameDecoder: &lengthFrameDecoder{max: maxFrame},
			Decoder:      binaryDecoder{},
			Encoder:      binaryEncoder{max: maxFrame},
		}
	}
}

// lengthFrameDecoder accumulates bytes and cuts frames on the u32 prefix.
type lengthFrameDecoder struct {
	buf bytes.Buffer
	max int
}

func (d *lengthFrameDecoder) Frames(chunk []byte) ([][]byte, error) {
	d.buf.Write(chunk)

	var frames [][]byte
	for {
		raw := d.buf.Bytes()
		if len(raw) < 4 {
			return frames, nil
		}
		bodyLen := int(binary.BigEndian.Uint32(raw))
		if bodyLen > d.max {
			return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, bodyLen, d.max)
		}
		if bodyLen < binaryHeaderLen {
			return nil, fmt.Errorf("%w: body length %d below header size", ErrDecode, bodyLen)
		}
		if len(raw) < 4+bodyLen {
			return frames, nil
		}
		frame := make([]byte, bodyLen)
		copy(frame, raw[4:4+bodyLen])
		d.buf.Next(4 + bodyLen)
		frames = append(frames, frame)
	}
}

type binaryDecoder struct{}

func (binaryDecoder) Decode(frame []byte) (*Message, error) {
	if len(frame) < binaryHeaderLen {
		return nil, fmt.Errorf("%w: truncated header", ErrDecode)
	}
	cmd := int(int32(binary.BigEndian.Uint32(frame[0:4])))
	seq := int64(binary.BigEndian.Uint64(frame[4:12]))
	payload := make([]byte, len(frame)-binaryHeaderLen)
	copy(payload, frame[binaryHeaderLen:])
	return &Message{CommandID: cmd, SequenceID: seq, Payload: payload}, nil
}

type binaryEncoder struct {
	max int
}

func (e binaryEncoder) Encode(msg *Message) ([]byte, error) {
	bodyLen := binaryHeaderLen + len(msg.Payload)
	if bodyLen > e.max {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, bodyLen, e.max)
	}
	out := make([]byte, 4+bodyLen)
	binary.BigEndian.PutUint32(out[0:4], uint32(bodyLen))
	binary.BigEndian.PutUint32(out[4:8], uint32(int32(msg.CommandID)))
	binary.BigEndian.PutUint64(out[8:16], uint64(msg.SequenceID))
	copy(out[16:], msg.Payload)
	return out, nil
}
