package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	cipherRounds = 32
	cipherDelta  = 0x9E3779B9

	mixA = 0x436F7079
	mixB = 0x72696768
	mixC = 0x74204944
	mixD = 0x53736372
)

// Encrypt runs the 32-round challenge cipher over input keyed by constant.
// Pure function: same arguments, same result.
func Encrypt(constant, input uint32) uint32 {
	key := constant
	v := input
	sum := uint32(cipherDelta)
	for i := 0; i < cipherRounds; i++ {
		v += ((key << 4) + mixA) ^ (key + sum) ^ ((key >> 5) + mixB)
		key += ((v << 4) + mixC) ^ (v + sum) ^ ((v >> 5) + mixD)
		sum += cipherDelta
	}
	return v
}

// Exchange binds a cipher constant to the byte order its challenge arrives in and
// the byte order the derived key must be written in. The orders differ between
// authentication stages of the same peripheral.
type Exchange struct {
	Constant    uint32
	InputOrder  binary.ByteOrder
	OutputOrder binary.ByteOrder
}

// Derive turns a 4-byte challenge into the 4-byte key for this exchange.
func (e Exchange) Derive(challenge []byte) ([]byte, error) {
	if len(challenge) != 4 {
		return nil, fmt.Errorf("%w: challenge must be 4 bytes, got %d", ErrMalformed, len(challenge))
	}
	in := e.InputOrder.Uint32(challenge)
	out := make([]byte, 4)
	e.OutputOrder.PutUint32(out, Encrypt(e.Constant, in))
	return out, nil
}
