// Package cryptoprim adapts golang.org/x/crypto's X25519, HKDF-SHA256,
// XChaCha20-Poly1305 and the standard library's Ed25519 into the
// narrow set of operations the ratchet and peer verifier need: DH
// keypair generation and agreement, session-subkey and message-key
// derivation, authenticated encryption, detached signatures,
// constant-time comparison, and secure wipe.
//
// No buffer returned by this package leaks endianness choices or
// internal layout to its callers; every symmetric and DH key is a
// fixed-size array (Ed25519 keys keep the standard library's types).
package cryptoprim

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"io"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/veilroom/veilcore/internal/faults"
)

const (
	// KeySize is the length in bytes of every chain key, root key,
	// and message key used by this adapter.
	KeySize = 32
	// NonceSize is the XChaCha20-Poly1305-IETF nonce length.
	NonceSize = chacha20poly1305.NonceSizeX
	// SigSize is the Ed25519 detached signature length.
	SigSize = ed25519.SignatureSize
)

// Key is a 32-byte secret: a root key, chain key, or message key.
// Its zero value is not a valid key; callers must Wipe it immediately
// after its last use.
type Key [KeySize]byte

// Wipe overwrites k with zeros. runtime.KeepAlive prevents the
// compiler from eliding the store as dead.
func (k *Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
	runtime.KeepAlive(k)
}

// DHKeyPair is an X25519 agreement keypair.
type DHKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// Wipe zeros the private half of the keypair.
func (kp *DHKeyPair) Wipe() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
	runtime.KeepAlive(kp)
}

// GenerateDHKeyPair creates a new X25519 keypair.
func GenerateDHKeyPair() (DHKeyPair, error) {
	var kp DHKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return DHKeyPair{}, faults.New(faults.KindCrypto, "cryptoprim.GenerateDHKeyPair", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return DHKeyPair{}, faults.New(faults.KindCrypto, "cryptoprim.GenerateDHKeyPair", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DH computes the raw X25519 shared point between priv and pub.
func DH(priv [32]byte, pub [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, faults.New(faults.KindCrypto, "cryptoprim.DH", err)
	}
	return out, nil
}

// ClientSessionKeys derives the (rx, tx) session subkeys from a DH
// agreement, mirroring libsodium's crypto_kx_client_session_keys: the
// two parties' roles select which HKDF output lands in rx versus tx
// so each side's sending key equals the other's receiving key.
//
// clientIsInitiator controls the role: the initiator's rx is the
// responder's tx and vice versa.
func ClientSessionKeys(localPriv, localPub, remotePub [32]byte, clientIsInitiator bool) (rx, tx Key, err error) {
	shared, derr := DH(localPriv, remotePub)
	if derr != nil {
		return Key{}, Key{}, derr
	}
	defer wipeBytes(shared)

	ikm := make([]byte, 0, len(shared)+64)
	ikm = append(ikm, shared...)
	if clientIsInitiator {
		ikm = append(ikm, localPub[:]...)
		ikm = append(ikm, remotePub[:]...)
	} else {
		ikm = append(ikm, remotePub[:]...)
		ikm = append(ikm, localPub[:]...)
	}

	r := hkdf.New(sha256.New, ikm, nil, []byte("veilcore-kx"))
	buf := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Key{}, Key{}, faults.New(faults.KindCrypto, "cryptoprim.ClientSessionKeys", err)
	}
	defer wipeBytes(buf)

	if clientIsInitiator {
		copy(rx[:], buf[:KeySize])
		copy(tx[:], buf[KeySize:])
	} else {
		copy(tx[:], buf[:KeySize])
		copy(rx[:], buf[KeySize:])
	}
	return rx, tx, nil
}

// DeriveSubkey derives a 32-byte subkey from a 32-byte master key, an
// 8-byte context string, and a 64-bit subkey id, mirroring
// libsodium's crypto_kdf_derive_from_key signature.
func DeriveSubkey(master Key, ctx [8]byte, id uint64) Key {
	info := make([]byte, 16)
	copy(info[:8], ctx[:])
	binary.BigEndian.PutUint64(info[8:], id)

	r := hkdf.New(sha256.New, master[:], nil, info)
	var out Key
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf.Read only fails if the info+counter stream is
		// exhausted, which cannot happen for a single 32-byte read.
		panic(err)
	}
	return out
}

// GenerateNonce returns a fresh random 24-byte XChaCha20-Poly1305
// nonce.
func GenerateNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, faults.New(faults.KindCrypto, "cryptoprim.GenerateNonce", err)
	}
	return n, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305-IETF under key and
// nonce. No associated data is required by this adapter.
func Seal(key Key, nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, faults.New(faults.KindCrypto, "cryptoprim.Seal", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open decrypts ciphertext with XChaCha20-Poly1305-IETF under key and
// nonce. A tag mismatch is reported as KindAuth, not KindCrypto: it is
// the caller's job to treat it as a non-fatal per-message fault.
func Open(key Key, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, faults.New(faults.KindCrypto, "cryptoprim.Open", err)
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, faults.New(faults.KindAuth, "cryptoprim.Open", err)
	}
	return pt, nil
}

// SigningKeyPair is a dedicated Ed25519 signing keypair, kept
// separate from the X25519 agreement keypair per the resolved open
// question: an agreement key must never double as a signing key.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a new Ed25519 signing keypair.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, faults.New(faults.KindCrypto, "cryptoprim.GenerateSigningKeyPair", err)
	}
	return SigningKeyPair{Public: pub, Private: priv}, nil
}

// Sign produces a detached Ed25519 signature over data.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks a detached Ed25519 signature over data.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}

// ConstantTimeEqual reports whether a and b are equal without
// branching on their contents.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
