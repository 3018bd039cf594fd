// Package ratchet implements the Double-Ratchet-style session: root,
// sending, and receiving chain keys, per-message key derivation,
// periodic Diffie-Hellman rotation, and a bounded replay window.
//
// Unlike a full Double Ratchet, this variant does not buffer skipped
// message keys for out-of-order delivery (see the design notes on
// replay-set growth): messages within a chain are expected in order,
// and a counter mismatch simply fails to decrypt rather than being
// queued. This keeps the replay set bounded without an unbounded
// skipped-key map.
package ratchet

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/json"
	"io"
	"math/rand"
	"time"

	"github.com/veilroom/veilcore/internal/cryptoprim"
	"github.com/veilroom/veilcore/internal/faults"
)

const (
	// RotateAfterSends is the number of messages sent before a DH
	// rotation is forced.
	RotateAfterSends = 100
	// ReplayWindow bounds how many counters behind the current
	// receive counter are still tracked for replay detection.
	ReplayWindow = 2 * RotateAfterSends
	// JitterBoundMillis is the maximum magnitude, in milliseconds, of
	// the timestamp jitter applied to outbound messages.
	JitterBoundMillis = 250
)

var (
	sendingCtx   = [8]byte{'s', 'e', 'n', 'd', 'i', 'n', 'g', 0}
	receivingCtx = [8]byte{'r', 'e', 'c', 'e', 'i', 'v', 0, 0}
	msgCtx       = [8]byte{'m', 's', 'g', 0, 0, 0, 0, 0}
)

// Message is the plaintext structure carried inside an envelope's
// ciphertext.
type Message struct {
	Content   []byte   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	Counter   uint32   `json:"counter"`
	DHKey     [32]byte `json:"dhKey"`
}

// Envelope is the result of Encrypt and the input to Decrypt. The
// wire-level base64/JSON shape lives in package envelope; this is the
// value-object the ratchet deals in.
type Envelope struct {
	Nonce     [cryptoprim.NonceSize]byte
	Cipher    []byte
	Signature []byte
	DHKey     [32]byte
}

type replayID struct {
	counter   uint32
	timestamp int64
}

// State is one ratchet session, owned exclusively by the goroutine
// that drives its session's socket. It must never be touched from two
// goroutines concurrently.
type State struct {
	localDH      cryptoprim.DHKeyPair
	remoteDH     [32]byte
	haveRemoteDH bool

	localSigning  cryptoprim.SigningKeyPair
	remoteSigning ed25519.PublicKey

	clientIsInitiator bool

	root      cryptoprim.Key
	sending   cryptoprim.Key
	receiving cryptoprim.Key

	nSend uint32
	nRecv uint32

	replay    map[replayID]uint64
	replayGen uint64

	// now is overridable for deterministic tests.
	now func() time.Time
}

// New creates a ratchet state from a completed pre-key bundle
// exchange: localDH is this party's own identity DH keypair, already
// conveyed to the peer (directly or via the verify handshake)
// alongside localSigning's public half, and remoteDHPub/
// remoteSigningPub are the matching values received from the peer.
// Both sides must seed deriveChains from the same pair of public keys
// for their first shared secret to agree; a freshly generated localDH
// here, unknown to the peer, would never match.
//
// clientIsInitiator selects which side of the session-key agreement
// this party plays; exactly one side of a session must pass true.
func New(localDH cryptoprim.DHKeyPair, remoteDHPub [32]byte, remoteSigningPub ed25519.PublicKey, localSigning cryptoprim.SigningKeyPair, clientIsInitiator bool) (*State, error) {
	s := &State{
		localDH:           localDH,
		remoteDH:          remoteDHPub,
		haveRemoteDH:      true,
		localSigning:      localSigning,
		remoteSigning:     remoteSigningPub,
		clientIsInitiator: clientIsInitiator,
		replay:            make(map[replayID]uint64),
		now:               time.Now,
	}

	if err := s.deriveChains(); err != nil {
		return nil, err
	}
	return s, nil
}

// LocalDHPublic returns this party's current DH public key, the value
// embedded in every outbound envelope's dhKey field.
func (s *State) LocalDHPublic() [32]byte { return s.localDH.Public }

// SendCounter returns the current sending counter n_s.
func (s *State) SendCounter() uint32 { return s.nSend }

// RecvCounter returns the current receiving counter n_r.
func (s *State) RecvCounter() uint32 { return s.nRecv }

// deriveChains derives root/sending/receiving from the current local
// and remote DH keys, per the client-session agreement. The root is
// replaced by the new rx value on every derivation; the previous root
// is not mixed into the new chains. The session-agreement tx value is
// used transiently to seed the sending chain and wiped immediately
// after. The context and subkey id of each chain depend on the role,
// so that one side's sending chain equals the other's receiving chain.
func (s *State) deriveChains() error {
	rx, tx, err := cryptoprim.ClientSessionKeys(s.localDH.Private, s.localDH.Public, s.remoteDH, s.clientIsInitiator)
	if err != nil {
		return faults.New(faults.KindCrypto, "ratchet.deriveChains", err)
	}
	defer tx.Wipe()

	sendCtx, sendID, recvCtx, recvID := sendingCtx, uint64(1), receivingCtx, uint64(2)
	if !s.clientIsInitiator {
		sendCtx, sendID, recvCtx, recvID = receivingCtx, 2, sendingCtx, 1
	}
	s.root = rx
	s.sending = cryptoprim.DeriveSubkey(tx, sendCtx, sendID)
	s.receiving = cryptoprim.DeriveSubkey(rx, recvCtx, recvID)
	return nil
}

// rotateLocal generates a fresh local DH keypair, re-derives the
// chains against the current remote public key, wipes the
// pre-rotation chain keys, and resets both counters. This is the
// sending side's half of a DH ratchet step, triggered by its own send
// budget.
func (s *State) rotateLocal() error {
	oldDH := s.localDH
	newDH, err := cryptoprim.GenerateDHKeyPair()
	if err != nil {
		return faults.New(faults.KindCrypto, "ratchet.rotateLocal", err)
	}
	s.localDH = newDH

	if err := s.rederive(); err != nil {
		s.localDH = oldDH
		return err
	}
	oldDH.Wipe()
	return nil
}

// SetRemoteDH adopts a new peer DH public key observed on an inbound
// envelope and re-derives the chains against it, keeping the local
// keypair unchanged. Regenerating the local keypair here as well
// would derive against a key the peer never agreed on; only the
// party whose own send budget is exhausted generates a new local
// keypair (see rotateLocal).
func (s *State) SetRemoteDH(remotePub [32]byte) error {
	s.remoteDH = remotePub
	s.haveRemoteDH = true
	return s.rederive()
}

// rederive re-runs the chain derivation against the current local and
// remote keys, wiping the prior chain keys and resetting both
// counters and the replay generation.
func (s *State) rederive() error {
	s.sending.Wipe()
	s.receiving.Wipe()

	if err := s.deriveChains(); err != nil {
		return err
	}

	s.nSend = 0
	s.nRecv = 0
	s.replayGen++
	s.evictStaleReplayEntries()
	return nil
}

func (s *State) jitteredNow() int64 {
	jitter := rand.Intn(2*JitterBoundMillis+1) - JitterBoundMillis
	return s.now().UnixMilli() + int64(jitter)
}

// Encrypt produces an envelope carrying plaintext, rotating the DH
// ratchet first if the per-rotation send budget is exhausted.
func (s *State) Encrypt(plaintext []byte) (Envelope, error) {
	if s.nSend >= RotateAfterSends {
		if err := s.rotateLocal(); err != nil {
			return Envelope{}, err
		}
	}

	mk := cryptoprim.DeriveSubkey(s.sending, msgCtx, uint64(s.nSend))
	defer mk.Wipe()

	msg := Message{
		Content:   plaintext,
		Timestamp: s.jitteredNow(),
		Counter:   s.nSend,
		DHKey:     s.localDH.Public,
	}
	serialized, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, faults.New(faults.KindCodec, "ratchet.Encrypt", err)
	}

	nonce, err := cryptoprim.GenerateNonce()
	if err != nil {
		return Envelope{}, err
	}

	cipher, err := cryptoprim.Seal(mk, nonce, serialized)
	if err != nil {
		return Envelope{}, faults.New(faults.KindCrypto, "ratchet.Encrypt", err)
	}

	sig := cryptoprim.Sign(s.localSigning.Private, cipher)

	s.nSend++
	return Envelope{
		Nonce:     nonce,
		Cipher:    cipher,
		Signature: sig,
		DHKey:     s.localDH.Public,
	}, nil
}

// EncryptKeepAlive produces a cover-traffic envelope. It does not
// advance the sending counter, so it never contributes to the
// rotation budget and never collides with a real message's key.
func (s *State) EncryptKeepAlive() (Envelope, error) {
	payload := make([]byte, 32)
	if _, err := io.ReadFull(crand.Reader, payload); err != nil {
		return Envelope{}, faults.New(faults.KindCrypto, "ratchet.EncryptKeepAlive", err)
	}

	mk := cryptoprim.DeriveSubkey(s.sending, msgCtx, keepAliveSubkeyID)
	defer mk.Wipe()

	nonce, err := cryptoprim.GenerateNonce()
	if err != nil {
		return Envelope{}, err
	}
	cipher, err := cryptoprim.Seal(mk, nonce, payload)
	if err != nil {
		return Envelope{}, faults.New(faults.KindCrypto, "ratchet.EncryptKeepAlive", err)
	}
	sig := cryptoprim.Sign(s.localSigning.Private, cipher)

	return Envelope{Nonce: nonce, Cipher: cipher, Signature: sig, DHKey: s.localDH.Public}, nil
}

// keepAliveSubkeyID is a fixed, out-of-band subkey id reserved so
// keep-alive message keys never collide with a real message's n_s-
// indexed key within the same chain.
const keepAliveSubkeyID = ^uint64(0)

// Decrypt verifies, decrypts, and replay-checks an inbound envelope,
// rotating the DH ratchet first if the envelope carries a new peer DH
// public key.
func (s *State) Decrypt(env Envelope) ([]byte, error) {
	if !cryptoprim.Verify(s.remoteSigning, env.Cipher, env.Signature) {
		return nil, faults.New(faults.KindAuth, "ratchet.Decrypt", nil)
	}

	if !s.haveRemoteDH || !cryptoprim.ConstantTimeEqual(env.DHKey[:], s.remoteDH[:]) {
		if err := s.SetRemoteDH(env.DHKey); err != nil {
			return nil, err
		}
	}

	mk := cryptoprim.DeriveSubkey(s.receiving, msgCtx, uint64(s.nRecv))
	defer mk.Wipe()

	plaintext, err := cryptoprim.Open(mk, env.Nonce, env.Cipher)
	if err != nil {
		return nil, faults.New(faults.KindAuth, "ratchet.Decrypt", err)
	}

	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, faults.New(faults.KindCodec, "ratchet.Decrypt", err)
	}

	id := replayID{counter: msg.Counter, timestamp: msg.Timestamp}
	if _, seen := s.replay[id]; seen {
		return nil, faults.New(faults.KindReplay, "ratchet.Decrypt", nil)
	}
	s.replay[id] = s.replayGen
	s.trimReplayWindow()

	s.nRecv++
	return msg.Content, nil
}

// DecryptKeepAlive verifies and opens a keep-alive envelope without
// advancing n_r past what a subsequent real message needs; the
// keep-alive key is derived from a reserved subkey id so it never
// interferes with the receiving chain's sequential indices.
func (s *State) DecryptKeepAlive(env Envelope) error {
	if !cryptoprim.Verify(s.remoteSigning, env.Cipher, env.Signature) {
		return faults.New(faults.KindAuth, "ratchet.DecryptKeepAlive", nil)
	}
	mk := cryptoprim.DeriveSubkey(s.receiving, msgCtx, keepAliveSubkeyID)
	defer mk.Wipe()
	if _, err := cryptoprim.Open(mk, env.Nonce, env.Cipher); err != nil {
		return faults.New(faults.KindAuth, "ratchet.DecryptKeepAlive", err)
	}
	return nil
}

// trimReplayWindow evicts replay entries belonging to generations
// more than one rotation behind the current one, and entries whose
// counter has fallen behind the current receive counter by more than
// ReplayWindow, bounding the set's memory regardless of session
// lifetime.
func (s *State) trimReplayWindow() {
	for id, gen := range s.replay {
		if s.replayGen-gen > 1 {
			delete(s.replay, id)
			continue
		}
		if s.nRecv > ReplayWindow && id.counter+ReplayWindow < s.nRecv {
			delete(s.replay, id)
		}
	}
}

func (s *State) evictStaleReplayEntries() {
	for id, gen := range s.replay {
		if s.replayGen-gen > 1 {
			delete(s.replay, id)
		}
	}
}

// Wipe zeros every key buffer the state owns. After Wipe the state
// must not be used.
func (s *State) Wipe() {
	s.localDH.Wipe()
	s.root.Wipe()
	s.sending.Wipe()
	s.receiving.Wipe()
	for id := range s.replay {
		delete(s.replay, id)
	}
}
