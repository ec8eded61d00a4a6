package stream

import (
	"bufio"
	"bytes"
	"io"
)

// maxLineBytes bounds one line of either text framing.
const maxLineBytes = 1 << 20

// NDJSONDecoder reads one JSON event per line.
type NDJSONDecoder struct {
	s       *bufio.Scanner
	arrival int64
}

// NewNDJSONDecoder returns a decoder reading from r.
func NewNDJSONDecoder(r io.Reader) *NDJSONDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &NDJSONDecoder{s: s}
}

// Next returns the next event.
func (d *NDJSONDecoder) Next() (Fragment, error) {
	for d.s.Scan() {
		line := bytes.TrimSpace(d.s.Bytes())
		if len(line) == 0 {
			continue
		}
		d.arrival++
		return DecodeEvent(d.arrival, "", line)
	}
	if err := d.s.Err(); err != nil {
		return Fragment{}, err
	}
	return Fragment{}, io.EOF
}
