package stream

// FrameFunc receives one framed payload, for transports that deliver whole
// messages rather than a byte stream. It returns io.EOF at the end.
type FrameFunc func() (event string, data []byte, err error)

// FrameDecoder adapts a FrameFunc to Decoder.
type FrameDecoder struct {
	recv    FrameFunc
	arrival int64
}

// NewFrameDecoder returns a decoder pulling frames from recv.
func NewFrameDecoder(recv FrameFunc) *FrameDecoder {
	return &FrameDecoder{recv: recv}
}

// Next returns the next event.
func (d *FrameDecoder) Next() (Fragment, error) {
	event, data, err := d.recv()
	if err != nil {
		return Fragment{}, err
	}
	d.arrival++
	return DecodeEvent(d.arrival, event, data)
}
