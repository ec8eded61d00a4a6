package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

// SSEDecoder reads text/event-stream framing.
type SSEDecoder struct {
	r      *bufio.Reader
	seq    int64
	lastID int64
}

// NewSSEDecoder returns a decoder reading from r.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{r: bufio.NewReader(r)}
}

// LastEventID returns the id of the last event that carried one.
func (d *SSEDecoder) LastEventID() int64 {
	return d.lastID
}

// Next returns the next dispatched event. An event cut off by the end of the
// body is discarded.
func (d *SSEDecoder) Next() (Fragment, error) {
	var (
		event   string
		data    bytes.Buffer
		id      string
		hasData bool
		hasAny  bool
	)
	for {
		line, err := d.readLine()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				// Unterminated trailing line. Treat as truncated.
				return Fragment{}, io.ErrUnexpectedEOF
			}
			return Fragment{}, err
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if !hasAny {
				continue
			}
			return d.dispatch(event, id, data.Bytes(), hasData)
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			event = string(value)
			hasAny = true
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
			hasAny = true
		case "id":
			id = string(value)
			hasAny = true
		case "retry":
		default:
		}
	}
}

// readLine returns the next line with its terminator. A line longer than
// maxLineBytes fails with bufio.ErrTooLong.
func (d *SSEDecoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > maxLineBytes {
			return nil, bufio.ErrTooLong
		}
		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func (d *SSEDecoder) dispatch(event, id string, data []byte, hasData bool) (Fragment, error) {
	seq := d.seq + 1
	if id != "" {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > 0 {
			seq = n
			d.lastID = n
		}
	}
	d.seq = seq
	if !hasData && event == "" {
		return Fragment{}, &ProtocolError{Seq: seq, Reason: "event without type or data"}
	}
	return DecodeEvent(seq, event, data)
}
