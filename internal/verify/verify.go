// Package verify implements the peer verification gate that runs
// ahead of ratchet traffic on every socket: a challenge/response
// handshake keyed by the room pre-shared key, authenticating room
// membership before the session controller lets any application frame
// through. It does not replace per-message AEAD; it complements it.
package verify

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"time"

	"github.com/veilroom/veilcore/internal/faults"
)

// Status is the peer verification state of one socket.
type Status int

const (
	PendingChallenge Status = iota
	Verified
	Failed
)

func (s Status) String() string {
	switch s {
	case PendingChallenge:
		return "pending_challenge"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Timeout is how long a socket may remain unverified before it is
// transitioned to Failed.
const Timeout = 10 * time.Second

// ChallengeSize and ResponseSize are the fixed lengths of the
// challenge nonce and its HMAC response.
const (
	ChallengeSize = 32
	ResponseSize  = sha256.Size
)

// State tracks one socket's progress through the handshake.
type State struct {
	psk       [32]byte
	status    Status
	challenge [ChallengeSize]byte
	deadline  time.Time
}

// New starts a fresh verification state in PendingChallenge, arming
// the 10-second timeout from now.
func New(psk [32]byte, now time.Time) *State {
	return &State{
		psk:      psk,
		status:   PendingChallenge,
		deadline: now.Add(Timeout),
	}
}

// Status reports the current verification status.
func (s *State) Status() Status { return s.status }

// Expired reports whether now is past the armed timeout while the
// socket is still unverified.
func (s *State) Expired(now time.Time) bool {
	return s.status != Verified && now.After(s.deadline)
}

// GenerateChallenge produces this side's 32-byte random challenge to
// send as a verification_challenge frame.
func GenerateChallenge() ([ChallengeSize]byte, error) {
	var c [ChallengeSize]byte
	if _, err := io.ReadFull(rand.Reader, c[:]); err != nil {
		return c, faults.New(faults.KindCrypto, "verify.GenerateChallenge", err)
	}
	return c, nil
}

// Respond computes this side's response to a peer's challenge:
// HMAC-SHA256(PSK, challenge).
func (s *State) Respond(challenge [ChallengeSize]byte) [ResponseSize]byte {
	mac := hmac.New(sha256.New, s.psk[:])
	mac.Write(challenge[:])
	var out [ResponseSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// RememberChallenge records the challenge this side sent, so its
// peer's eventual response can be checked against it.
func (s *State) RememberChallenge(challenge [ChallengeSize]byte) {
	s.challenge = challenge
}

// CheckResponse verifies a peer's response against the challenge this
// side sent, transitioning to Verified on success or Failed on
// mismatch.
func (s *State) CheckResponse(response [ResponseSize]byte) bool {
	want := s.Respond(s.challenge)
	if hmac.Equal(want[:], response[:]) {
		s.status = Verified
		return true
	}
	s.status = Failed
	return false
}

// Fail forces the state to Failed, used on timeout expiry.
func (s *State) Fail() { s.status = Failed }
