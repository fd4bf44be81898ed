// Package codec holds the stateless and streaming codecs the protocol families share:
// the challenge cipher, CRC-8, the self-delimiting frame codec, the structured-text
// message codec and the delimited-ASCII sample codec.
//
// Decoders never panic on malformed input. A corrupt unit is reported through an
// error the caller logs and drops; decoder state stays usable for the next unit.
package codec
