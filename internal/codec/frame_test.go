package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, d *FrameDecoder, chunks ...[]byte) ([][]byte, []error) {
	t.Helper()
	var frames [][]byte
	var errs []error
	for _, c := range chunks {
		d.Feed(c, func(p []byte) { frames = append(frames, p) }, func(err error) { errs = append(errs, err) })
	}
	return frames, errs
}

func TestEncodeFrameVectors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []byte
	}{
		{"embedded zero", []byte{0x11, 0x00, 0x22}, []byte{0x00, 0x02, 0x11, 0x03, 0x22, 0x27, 0x00}},
		{"dimmer status", []byte{0x08, 0x01, 0x02, 0x00, 0xC8}, []byte{0x00, 0x04, 0x08, 0x01, 0x02, 0x03, 0xC8, 0xAF, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeFrame(tt.payload)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, -1, bytes.IndexByte(got[1:len(got)-1], FrameDelimiter), "delimiter MUST NOT appear inside the frame")
		})
	}
}

func TestFrameRoundTripByteAtATime(t *testing.T) {
	payloads := [][]byte{
		{0x01},
		{0x00},
		{0x00, 0x00, 0x00},
		{0x08, 0x01, 0x02, 0x00, 0xC8},
		bytes.Repeat([]byte{0xAB}, 254),
		bytes.Repeat([]byte{0xAB}, 255),
		append(bytes.Repeat([]byte{0x01}, 253), 0x00, 0x02),
	}

	d := NewFrameDecoder()
	for _, p := range payloads {
		var got [][]byte
		for _, b := range EncodeFrame(p) {
			out, err := d.DecodeByte(b)
			require.NoError(t, err)
			if out != nil {
				got = append(got, out)
			}
		}
		require.Len(t, got, 1, "exactly one payload MUST be emitted per frame")
		assert.Equal(t, p, got[0])
	}
}

func TestFrameFragmentationInvariance(t *testing.T) {
	payload := []byte{0x0C, 0x03, 0x01, 0x32, 0x02, 0x00, 0x03, 0x64}
	encoded := EncodeFrame(payload)

	for split := 1; split < len(encoded); split++ {
		d := NewFrameDecoder()
		frames, errs := decodeAll(t, d, encoded[:split], encoded[split:])
		require.Empty(t, errs, "split at %d", split)
		require.Len(t, frames, 1, "split at %d", split)
		assert.Equal(t, payload, frames[0])
	}
}

func TestFrameMultipleFramesPerDelivery(t *testing.T) {
	a := []byte{0x03, 0x01, 0x02}
	b := []byte{0x04, 0x00}
	stream := append(EncodeFrame(a), EncodeFrame(b)...)

	frames, errs := decodeAll(t, NewFrameDecoder(), stream)
	require.Empty(t, errs)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
}

func TestFrameCorruptionDropsOnlyThatFrame(t *testing.T) {
	good := []byte{0x07, 0x0D, 0x40, 0x19, 0x80}
	bad := EncodeFrame([]byte{0x08, 0x01, 0x02, 0x01, 0x7F})
	bad[3] ^= 0x10 // flip a payload bit

	stream := append(append(bad, EncodeFrame(good)...), EncodeFrame(good)...)
	frames, errs := decodeAll(t, NewFrameDecoder(), stream)

	require.Len(t, errs, 1, "corrupt frame MUST be reported once")
	assert.ErrorIs(t, errs[0], ErrChecksum)
	require.Len(t, frames, 2, "following frames MUST still decode")
	assert.Equal(t, good, frames[0])
	assert.Equal(t, good, frames[1])
}

func TestFrameTruncatedBlockIsMalformed(t *testing.T) {
	// code 0x05 promises four data bytes, only two arrive before the delimiter
	frames, errs := decodeAll(t, NewFrameDecoder(), []byte{0x00, 0x05, 0x11, 0x22, 0x00})
	assert.Empty(t, frames)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrMalformed)
}

func TestFrameOversizeDiscarded(t *testing.T) {
	huge := bytes.Repeat([]byte{0x5A}, MaxPayloadSize+10)
	small := []byte{0x01, 0x02}
	frames, errs := decodeAll(t, NewFrameDecoder(), EncodeFrame(huge), EncodeFrame(small))

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrOversize)
	require.Len(t, frames, 1)
	assert.Equal(t, small, frames[0])
}

func TestFrameIgnoresIdleDelimiters(t *testing.T) {
	frames, errs := decodeAll(t, NewFrameDecoder(), []byte{0x00, 0x00, 0x00})
	assert.Empty(t, frames)
	assert.Empty(t, errs)
}

func TestFrameResyncAfterGarbage(t *testing.T) {
	payload := []byte{0x1A, 0x01}
	stream := append([]byte{0x33, 0x44, 0x55}, EncodeFrame(payload)...)
	frames, _ := decodeAll(t, NewFrameDecoder(), stream)
	require.Len(t, frames, 1, "decoder MUST resynchronize on the next delimiter")
	assert.Equal(t, payload, frames[0])
}
