package netio

import (
	"encoding/binary"
	"errors"
)

// lengthPrefixSize is the stream framing overhead: a 2-byte big-endian
// record length, per spec.md §6's "packet_size_type".
const lengthPrefixSize = 2

// maxStreamFrame bounds a single framed record to what a uint16 length
// prefix can express.
const maxStreamFrame = 65535

// ErrFrameTooLargeForStream is returned when a caller asks WriteFrame to
// send a buffer the 2-byte length prefix cannot represent.
var ErrFrameTooLargeForStream = errors.New("netio: frame exceeds 65535-byte stream frame limit")

// streamReassembler accumulates raw stream bytes and yields complete
// length-prefixed frames. It is the Go expression of spec.md §6's stream
// reassembly state: an accumulation buffer standing in for
// {buf_init, residual, len=-1 until header read}, with one queued frame
// per completed record.
type streamReassembler struct {
	buf     []byte
	pending [][]byte
}

// feed appends newly-read bytes and extracts every now-complete frame.
func (r *streamReassembler) feed(chunk []byte) {
	r.buf = append(r.buf, chunk...)
	for {
		if len(r.buf) < lengthPrefixSize {
			return
		}
		n := int(binary.BigEndian.Uint16(r.buf[:lengthPrefixSize]))
		total := lengthPrefixSize + n
		if len(r.buf) < total {
			return
		}
		frame := make([]byte, n)
		copy(frame, r.buf[lengthPrefixSize:total])
		r.pending = append(r.pending, frame)
		r.buf = r.buf[total:]
	}
}

// next pops the oldest fully-reassembled frame, if any.
func (r *streamReassembler) next() ([]byte, bool) {
	if len(r.pending) == 0 {
		return nil, false
	}
	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, true
}

// encodeFrame prepends the 2-byte big-endian length prefix to payload.
func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxStreamFrame {
		return nil, ErrFrameTooLargeForStream
	}
	out := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint16(out[:lengthPrefixSize], uint16(len(payload)))
	copy(out[lengthPrefixSize:], payload)
	return out, nil
}
