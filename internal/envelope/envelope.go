// Package envelope encodes and decodes the wire envelope: a
// self-describing JSON object carrying the ratchet's nonce,
// ciphertext, detached signature, and sender DH public key. It owns
// no key material and performs no cryptography; every byte slice
// round-trips through Go's encoding/json []byte-to-base64 convention
// (standard alphabet, padded), which is what a reader decoding this
// wire format with any off-the-shelf JSON library should expect.
package envelope

import (
	"encoding/json"

	"github.com/veilroom/veilcore/internal/cryptoprim"
	"github.com/veilroom/veilcore/internal/faults"
	"github.com/veilroom/veilcore/internal/ratchet"
)

// TypeFile marks an envelope carrying a file-transfer chunk rather
// than a text message. Text envelopes omit the type field entirely.
const TypeFile = "file"

type wire struct {
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
	Sig    []byte `json:"sig"`
	DHKey  []byte `json:"dhKey"`
	Type   string `json:"type,omitempty"`
}

// Encode serializes env as the wire envelope JSON object. isFile
// selects whether the "type":"file" field is emitted.
func Encode(env ratchet.Envelope, isFile bool) ([]byte, error) {
	w := wire{
		Nonce:  env.Nonce[:],
		Cipher: env.Cipher,
		Sig:    env.Signature,
		DHKey:  env.DHKey[:],
	}
	if isFile {
		w.Type = TypeFile
	}
	out, err := json.Marshal(w)
	if err != nil {
		return nil, faults.New(faults.KindCodec, "envelope.Encode", err)
	}
	return out, nil
}

// Decode parses the wire envelope JSON object, returning the
// reconstructed ratchet.Envelope and whether it is a file envelope.
// Any malformed input — invalid JSON, wrong-length fields, or a
// missing ciphertext — fails with CodecFault.
func Decode(data []byte) (ratchet.Envelope, bool, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return ratchet.Envelope{}, false, faults.New(faults.KindCodec, "envelope.Decode", err)
	}

	if len(w.Nonce) != cryptoprim.NonceSize {
		return ratchet.Envelope{}, false, faults.New(faults.KindCodec, "envelope.Decode", errWrongLength("nonce", cryptoprim.NonceSize, len(w.Nonce)))
	}
	if len(w.Sig) != cryptoprim.SigSize {
		return ratchet.Envelope{}, false, faults.New(faults.KindCodec, "envelope.Decode", errWrongLength("sig", cryptoprim.SigSize, len(w.Sig)))
	}
	if len(w.DHKey) != 32 {
		return ratchet.Envelope{}, false, faults.New(faults.KindCodec, "envelope.Decode", errWrongLength("dhKey", 32, len(w.DHKey)))
	}
	if len(w.Cipher) == 0 {
		return ratchet.Envelope{}, false, faults.New(faults.KindCodec, "envelope.Decode", errEmptyCipher)
	}
	if w.Type != "" && w.Type != TypeFile {
		return ratchet.Envelope{}, false, faults.New(faults.KindCodec, "envelope.Decode", errUnknownType(w.Type))
	}

	var env ratchet.Envelope
	copy(env.Nonce[:], w.Nonce)
	copy(env.DHKey[:], w.DHKey)
	env.Cipher = w.Cipher
	env.Signature = w.Sig

	return env, w.Type == TypeFile, nil
}
