package adts

import (
	"bufio"
	"fmt"
	"io"
)

// Frame is one ADTS frame as read from a stream.
type Frame struct {
	Header Header

	// Raw is the whole frame including its header.
	Raw []byte
}

// Payload returns the raw AAC bytes after the header.
func (f Frame) Payload() []byte { return f.Raw[f.Header.HeaderLen():] }

// Reader splits a byte stream into ADTS frames.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 2*MaxFrameLength)}
}

// Next returns the next frame. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream stops inside a frame.
func (r *Reader) Next() (Frame, error) {
	hdr, err := r.br.Peek(HeaderSize)
	if err != nil {
		if err == io.EOF && len(hdr) > 0 {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	h, err := Parse(hdr)
	if err != nil {
		return Frame{}, fmt.Errorf("adts: read frame: %w", err)
	}
	raw := make([]byte, h.FrameLength)
	if _, err := io.ReadFull(r.br, raw); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Header: h, Raw: raw}, nil
}
