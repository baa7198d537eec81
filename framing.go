package mcplsp

import (
	"bytes"
	"strconv"
	"strings"
)

// FrameDecoder reassembles Content-Length framed payloads from arbitrarily split chunks
// of a byte stream. It alternates between two phases: scanning for the blank line that
// terminates a header block, and waiting for the announced number of body bytes.
//
// A FrameDecoder is not safe for concurrent use.
type FrameDecoder struct {
	buf        []byte
	bodyLength int // -1 while scanning headers
	skip       int // bytes of an oversized body still to discard
	maxSize    int
}

const (
	headerTerminator = "\r\n\r\n"
	// maxHeaderSize bounds how many bytes are buffered while looking for the end of a
	// header block.
	maxHeaderSize = 8 << 10
)

// NewFrameDecoder creates a decoder. A positive maxSize rejects bodies larger than
// maxSize bytes; the oversized body is skipped and the stream stays in sync.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	return &FrameDecoder{
		bodyLength: -1,
		maxSize:    maxSize,
	}
}

// EncodeFrame prefixes payload with its Content-Length header.
func EncodeFrame(payload []byte) []byte {
	header := "Content-Length: " + strconv.Itoa(len(payload)) + headerTerminator
	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	return append(frame, payload...)
}

// Feed appends p to the buffered bytes and returns every payload completed so far, in
// stream order. It stops at the first framing violation and returns the payloads decoded
// before it together with a *FramingError. A header without a usable Content-Length
// leaves no way to find where its body ends, so everything buffered is dropped and
// decoding restarts with the next chunk. An oversized body has a known length and is
// skipped; bytes after it are decoded on the next call (p may be nil).
func (d *FrameDecoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)

	var frames [][]byte
	for {
		if d.skip > 0 {
			n := min(d.skip, len(d.buf))
			d.buf = d.buf[n:]
			d.skip -= n
			if d.skip > 0 {
				return frames, nil
			}
		}

		if d.bodyLength < 0 {
			end := bytes.Index(d.buf, []byte(headerTerminator))
			if end < 0 {
				if len(d.buf) > maxHeaderSize {
					d.Reset()
					return frames, &FramingError{Reason: "header block too large"}
				}
				return frames, nil
			}

			header := string(d.buf[:end])
			d.buf = d.buf[end+len(headerTerminator):]

			length, err := parseContentLength(header)
			if err != nil {
				d.Reset()
				return frames, err
			}
			if d.maxSize > 0 && length > d.maxSize {
				d.skip = length
				return frames, &FramingError{
					Header: header,
					Reason: "content length " + strconv.Itoa(length) + " exceeds limit " + strconv.Itoa(d.maxSize),
				}
			}
			d.bodyLength = length
		}

		if len(d.buf) < d.bodyLength {
			return frames, nil
		}

		frames = append(frames, bytes.Clone(d.buf[:d.bodyLength]))
		d.buf = d.buf[d.bodyLength:]
		d.bodyLength = -1
	}
}

// Buffered returns the number of bytes held but not yet decoded.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Reset discards all buffered bytes and returns the decoder to the header phase.
func (d *FrameDecoder) Reset() {
	d.buf = nil
	d.bodyLength = -1
	d.skip = 0
}

func parseContentLength(header string) (int, error) {
	found := false
	length := 0
	for _, line := range strings.Split(header, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, &FramingError{Header: header, Reason: "invalid Content-Length"}
		}
		found = true
		length = n
	}
	if !found {
		return 0, &FramingError{Header: header, Reason: "missing Content-Length"}
	}
	return length, nil
}
