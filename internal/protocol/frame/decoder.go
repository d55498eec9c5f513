package frame

// Decoder is a resumable stream decoder. Bytes handed to Feed are copied at
// most once into the header or payload buffer of the frame in progress; the
// header is validated as soon as it is complete so an oversized payload is
// rejected before any of it is buffered.
type Decoder struct {
	limits Limits

	hbuf [HeaderLen]byte
	hn   int

	hdr     Header
	haveHdr bool
	payload []byte
	pn      int

	err error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed consumes bytes from p and returns how many were used. When a frame
// completes it is returned together with the number of bytes consumed so
// far; the caller feeds the remainder of p again. ErrIncomplete means all of
// p was consumed and more input is required. Malformed and Oversized errors
// are sticky: the decoder refuses further input.
func (d *Decoder) Feed(p []byte) (int, Frame, error) {
	if d.err != nil {
		return 0, Frame{}, d.err
	}
	used := 0
	if !d.haveHdr {
		n := copy(d.hbuf[d.hn:], p)
		d.hn += n
		used += n
		if d.hn < HeaderLen {
			return used, Frame{}, ErrIncomplete
		}
		h, err := DecodeHeader(d.hbuf[:], d.limits)
		if err != nil {
			d.err = err
			return used, Frame{}, err
		}
		d.hdr = h
		d.haveHdr = true
		d.payload = make([]byte, h.PayloadLen)
		d.pn = 0
	}

	n := copy(d.payload[d.pn:], p[used:])
	d.pn += n
	used += n
	if d.pn < len(d.payload) {
		return used, Frame{}, ErrIncomplete
	}

	f := Frame{Header: d.hdr, Payload: d.payload}
	d.reset()
	return used, f, nil
}

// Pending reports whether a partially received frame is buffered.
func (d *Decoder) Pending() bool {
	return d.hn > 0 || d.haveHdr
}

// Buffered is the number of bytes held for the frame in progress.
func (d *Decoder) Buffered() int {
	if d.haveHdr {
		return HeaderLen + d.pn
	}
	return d.hn
}

// Err returns the sticky fatal error, if any.
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) reset() {
	d.hn = 0
	d.haveHdr = false
	d.hdr = Header{}
	d.payload = nil
	d.pn = 0
}

// DecodeAll feeds p completely and returns every frame it completes. A
// trailing partial frame stays buffered inside d.
func (d *Decoder) DecodeAll(p []byte) ([]Frame, error) {
	var out []Frame
	for len(p) > 0 {
		n, f, err := d.Feed(p)
		p = p[n:]
		if err != nil {
			if err == ErrIncomplete {
				return out, nil
			}
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}
