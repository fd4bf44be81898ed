package codec

import "errors"

var (
	ErrMalformed   = errors.New("malformed")
	ErrChecksum    = errors.New("checksum mismatch")
	ErrOversize    = errors.New("frame too large")
	ErrShortSample = errors.New("short sample")
)
