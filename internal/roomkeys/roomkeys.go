// Package roomkeys derives the two pieces of key material that are
// shared by every peer in a room before any per-peer ratchet exists:
// the swarm join key used to announce/look up peers in the discovery
// swarm, and the room pre-shared key used only to gate peer
// verification.
package roomkeys

import (
	"golang.org/x/crypto/blake2b"

	"github.com/veilroom/veilcore/internal/faults"
)

// SwarmKey derives the 32-byte content-addressed key a room's peers
// announce themselves under: BLAKE2b-256(roomId).
func SwarmKey(roomID string) ([32]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, faults.New(faults.KindCrypto, "roomkeys.SwarmKey", err)
	}
	h.Write([]byte(roomID))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// PSK derives the 32-byte room pre-shared key used by the peer
// verifier: BLAKE2b-256(roomId ‖ preKeyBundle). It authenticates room
// membership only; it plays no role in the per-message AEAD.
func PSK(roomID string, preKeyBundle [32]byte) ([32]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, faults.New(faults.KindCrypto, "roomkeys.PSK", err)
	}
	h.Write([]byte(roomID))
	h.Write(preKeyBundle[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
