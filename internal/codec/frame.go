package codec

import "fmt"

const (
	// FrameDelimiter bounds every frame and never appears inside one.
	FrameDelimiter = 0x00

	// MaxPayloadSize is the largest payload the decoder accepts. Larger frames
	// are discarded whole.
	MaxPayloadSize = 255

	maxBlock = 0xFF
)

// EncodeFrame appends the checksum to payload, byte-stuffs it and wraps the
// result in delimiters: 0x00 | stuffed(payload | crc) | 0x00.
func EncodeFrame(payload []byte) []byte {
	raw := make([]byte, 0, len(payload)+1)
	raw = append(raw, payload...)
	raw = append(raw, CRC8(payload))

	out := make([]byte, 0, len(raw)+len(raw)/254+4)
	out = append(out, FrameDelimiter)

	codeIdx := len(out)
	out = append(out, 0) // placeholder
	code := byte(1)
	for _, b := range raw {
		if b == FrameDelimiter {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == maxBlock {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return append(out, FrameDelimiter)
}

// FrameDecoder reassembles frames from a byte stream delivered in arbitrary
// pieces. State persists between calls; one decoder per stream.
type FrameDecoder struct {
	buf       []byte
	code      byte // last block code, 0 before the first block of a frame
	remaining byte // data bytes left in the current block
	overflow  bool
}

// NewFrameDecoder creates a decoder ready for the first delimiter.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{buf: make([]byte, 0, MaxPayloadSize+1)}
}

// Reset drops any partially received frame.
func (d *FrameDecoder) Reset() {
	d.buf = d.buf[:0]
	d.code = 0
	d.remaining = 0
	d.overflow = false
}

// DecodeByte processes a single byte. It returns the payload (checksum removed)
// when b closes a valid frame, nil while the frame is incomplete, and an error
// when b closes a frame that must be discarded. The returned slice is owned by
// the caller.
func (d *FrameDecoder) DecodeByte(b byte) ([]byte, error) {
	if b == FrameDelimiter {
		return d.finish()
	}

	if d.remaining == 0 {
		// Block boundary: the previous block implied a zero unless it was full.
		if d.code != 0 && d.code != maxBlock {
			d.push(FrameDelimiter)
		}
		d.code = b
		d.remaining = b - 1
		return nil, nil
	}

	d.push(b)
	d.remaining--
	return nil, nil
}

// Feed runs every byte of data through the decoder and calls emit for each
// complete payload and onError for each discarded frame. Either callback may be nil.
func (d *FrameDecoder) Feed(data []byte, emit func(payload []byte), onError func(err error)) {
	for _, b := range data {
		payload, err := d.DecodeByte(b)
		switch {
		case err != nil:
			if onError != nil {
				onError(err)
			}
		case payload != nil:
			if emit != nil {
				emit(payload)
			}
		}
	}
}

func (d *FrameDecoder) push(b byte) {
	if len(d.buf) > MaxPayloadSize {
		d.overflow = true
		return
	}
	d.buf = append(d.buf, b)
}

func (d *FrameDecoder) finish() ([]byte, error) {
	defer d.Reset()

	switch {
	case len(d.buf) == 0 && d.code == 0:
		// back-to-back delimiters between frames
		return nil, nil
	case d.overflow:
		return nil, fmt.Errorf("%w: more than %d bytes", ErrOversize, MaxPayloadSize)
	case d.remaining != 0:
		return nil, fmt.Errorf("%w: frame ended inside a block (%d bytes missing)", ErrMalformed, d.remaining)
	case len(d.buf) < 2:
		return nil, fmt.Errorf("%w: frame shorter than payload plus checksum", ErrMalformed)
	}

	n := len(d.buf) - 1
	want := d.buf[n]
	if got := CRC8(d.buf[:n]); got != want {
		return nil, fmt.Errorf("%w: computed 0x%02X, frame carries 0x%02X", ErrChecksum, got, want)
	}

	payload := make([]byte, n)
	copy(payload, d.buf[:n])
	return payload, nil
}
