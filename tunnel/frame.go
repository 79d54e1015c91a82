package tunnel

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrMalformedFrame is returned for any frame the strict parser rejects.
var ErrMalformedFrame = errors.New("tunnel: malformed frame")

const maxSegments = math.MaxUint8

// Frame layouts:
//
//	command: opcode(2 ASCII) | count(1) | count x (uint16 BE length | ciphertext)
//	reply:   count(1) | count x (uint16 BE length | ciphertext)

// EncodeCommand builds a command frame from already encrypted segments.
func EncodeCommand(op Opcode, segments [][]byte) ([]byte, error) {
	if len(op) != 2 {
		return nil, ErrMalformedFrame
	}
	body, err := encodeSegments(segments)
	if err != nil {
		return nil, err
	}
	return append([]byte(op), body...), nil
}

// DecodeCommand parses a command frame. Segments larger than maxSegment,
// empty segments, an unknown opcode, a count that does not match the
// opcode, a short frame and trailing bytes are all rejected.
func DecodeCommand(frame []byte, maxSegment int) (Opcode, [][]byte, error) {
	if len(frame) < 3 {
		return "", nil, ErrMalformedFrame
	}
	op := Opcode(frame[:2])
	want, ok := op.FieldCount()
	if !ok {
		return "", nil, ErrMalformedFrame
	}
	segments, err := decodeSegments(frame[2:], maxSegment)
	if err != nil {
		return "", nil, err
	}
	if len(segments) != want {
		return "", nil, ErrMalformedFrame
	}
	return op, segments, nil
}

// EncodeReplyFrame builds a reply frame from encrypted segments.
func EncodeReplyFrame(segments [][]byte) ([]byte, error) {
	return encodeSegments(segments)
}

// DecodeReplyFrame parses a reply frame.
func DecodeReplyFrame(frame []byte, maxSegment int) ([][]byte, error) {
	segments, err := decodeSegments(frame, maxSegment)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, ErrMalformedFrame
	}
	return segments, nil
}

func encodeSegments(segments [][]byte) ([]byte, error) {
	if len(segments) > maxSegments {
		return nil, ErrMalformedFrame
	}
	size := 1
	for _, s := range segments {
		if len(s) == 0 || len(s) > math.MaxUint16 {
			return nil, ErrMalformedFrame
		}
		size += 2 + len(s)
	}

	out := make([]byte, 0, size)
	out = append(out, byte(len(segments)))
	for _, s := range segments {
		out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
		out = append(out, s...)
	}
	return out, nil
}

func decodeSegments(b []byte, maxSegment int) ([][]byte, error) {
	if len(b) < 1 {
		return nil, ErrMalformedFrame
	}
	count := int(b[0])
	b = b[1:]

	segments := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < 2 {
			return nil, ErrMalformedFrame
		}
		n := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if n == 0 || n > maxSegment || n > len(b) {
			return nil, ErrMalformedFrame
		}
		segments = append(segments, b[:n])
		b = b[n:]
	}
	if len(b) != 0 {
		return nil, ErrMalformedFrame
	}
	return segments, nil
}
