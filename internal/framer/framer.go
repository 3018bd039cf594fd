// Package framer implements the wire framing the transport adapter
// writes to and reads from its socket: a big-endian length prefix,
// zero-padding to a fixed bucket boundary so frame sizes don't leak
// payload length on the wire, and a standalone timestamp jitter helper
// (the ratchet applies its own jitter and does not call it).
package framer

import (
	"encoding/binary"
	"io"
	"math/rand"

	"github.com/veilroom/veilcore/internal/faults"
)

const (
	// Bucket is the zero-padding boundary every outbound frame is
	// rounded up to.
	Bucket = 256
	// LengthPrefixSize is the size of the big-endian frame length
	// prefix.
	LengthPrefixSize = 4
	// JitterBoundMillis is the maximum magnitude, in milliseconds, of
	// the timestamp jitter applied to outbound plaintext.
	JitterBoundMillis = 250
	// maxFrameLength guards against a corrupt or hostile length
	// prefix causing an unbounded read allocation.
	maxFrameLength = 16 * 1024 * 1024
)

// Jitter returns t shifted by a uniformly random offset in
// [-JitterBoundMillis, +JitterBoundMillis], in Unix milliseconds.
func Jitter(tMillis int64) int64 {
	offset := rand.Intn(2*JitterBoundMillis+1) - JitterBoundMillis
	return tMillis + int64(offset)
}

// Encode prepends a big-endian length prefix to payload and pads the
// result with zeros up to the next Bucket-byte boundary.
func Encode(payload []byte) []byte {
	total := LengthPrefixSize + len(payload)
	padded := ((total + Bucket - 1) / Bucket) * Bucket
	if padded < Bucket {
		padded = Bucket
	}

	out := make([]byte, padded)
	binary.BigEndian.PutUint32(out[:LengthPrefixSize], uint32(len(payload)))
	copy(out[LengthPrefixSize:], payload)
	return out
}

// ReadFrame reads one length-prefixed, zero-padded frame from r and
// returns its payload, discarding the padding bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, faults.New(faults.KindTransport, "framer.ReadFrame", err)
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen > maxFrameLength {
		return nil, faults.New(faults.KindCodec, "framer.ReadFrame", errFrameTooLarge(payloadLen))
	}

	total := LengthPrefixSize + int(payloadLen)
	padded := ((total + Bucket - 1) / Bucket) * Bucket
	if padded < Bucket {
		padded = Bucket
	}

	rest := make([]byte, padded-LengthPrefixSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		// The length prefix promised a full frame that the stream
		// didn't actually contain: a malformed frame, not a dropped
		// connection (that already would have failed the prefix read
		// above).
		return nil, faults.New(faults.KindCodec, "framer.ReadFrame", err)
	}

	return rest[:payloadLen], nil
}

// WriteFrame encodes payload and writes it to w in one call.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(Encode(payload)); err != nil {
		return faults.New(faults.KindTransport, "framer.WriteFrame", err)
	}
	return nil
}
