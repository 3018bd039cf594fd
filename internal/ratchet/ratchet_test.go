package ratchet

import (
	"bytes"
	"testing"
	"time"

	"github.com/veilroom/veilcore/internal/cryptoprim"
	"github.com/veilroom/veilcore/internal/faults"
)

func newPair(t *testing.T) (*State, *State) {
	t.Helper()

	aliceDH, err := cryptoprim.GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateDHKeyPair(alice) error = %v", err)
	}
	bobDH, err := cryptoprim.GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateDHKeyPair(bob) error = %v", err)
	}

	aliceSigning, err := cryptoprim.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair(alice) error = %v", err)
	}
	bobSigning, err := cryptoprim.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair(bob) error = %v", err)
	}

	alice := &State{
		localDH:           aliceDH,
		remoteDH:          bobDH.Public,
		haveRemoteDH:      true,
		localSigning:      aliceSigning,
		remoteSigning:     bobSigning.Public,
		clientIsInitiator: true,
		replay:            make(map[replayID]uint64),
		now:               time.Now,
	}
	if err := alice.deriveChains(); err != nil {
		t.Fatalf("alice.deriveChains() error = %v", err)
	}

	bob := &State{
		localDH:           bobDH,
		remoteDH:          aliceDH.Public,
		haveRemoteDH:      true,
		localSigning:      bobSigning,
		remoteSigning:     aliceSigning.Public,
		clientIsInitiator: false,
		replay:            make(map[replayID]uint64),
		now:               time.Now,
	}
	if err := bob.deriveChains(); err != nil {
		t.Fatalf("bob.deriveChains() error = %v", err)
	}

	return alice, bob
}

func TestRoundTrip(t *testing.T) {
	alice, bob := newPair(t)

	env, err := alice.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	plaintext, err := bob.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello bob")) {
		t.Fatalf("Decrypt() = %q, want %q", plaintext, "hello bob")
	}
}

func TestCounterSequencesMatch(t *testing.T) {
	alice, bob := newPair(t)

	for i := 0; i < 10; i++ {
		env, err := alice.Encrypt([]byte("msg"))
		if err != nil {
			t.Fatalf("Encrypt() iteration %d error = %v", i, err)
		}
		if _, err := bob.Decrypt(env); err != nil {
			t.Fatalf("Decrypt() iteration %d error = %v", i, err)
		}
		if alice.SendCounter() != bob.RecvCounter() {
			t.Fatalf("iteration %d: alice.nSend=%d bob.nRecv=%d", i, alice.SendCounter(), bob.RecvCounter())
		}
	}
}

func TestReplayIsRejected(t *testing.T) {
	alice, bob := newPair(t)

	env, err := alice.Encrypt([]byte("once"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := bob.Decrypt(env); err != nil {
		t.Fatalf("first Decrypt() error = %v", err)
	}

	// Replaying the identical counter against a chain state that has
	// already advanced fails to decrypt: the receiving chain no longer
	// holds the key at that index.
	if _, err := bob.Decrypt(env); err == nil {
		t.Fatalf("replayed Decrypt() succeeded, want error")
	} else if !faults.Is(err, faults.KindAuth) && !faults.Is(err, faults.KindReplay) {
		t.Fatalf("replayed Decrypt() error kind = %v, want auth or replay", err)
	}
}

func TestTamperedCiphertextFailsAuth(t *testing.T) {
	alice, bob := newPair(t)

	env, err := alice.Encrypt([]byte("integrity"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	env.Cipher[0] ^= 0xFF

	_, err = bob.Decrypt(env)
	if err == nil {
		t.Fatalf("Decrypt() of tampered ciphertext succeeded")
	}
	if !faults.Is(err, faults.KindAuth) {
		t.Fatalf("Decrypt() error kind = %v, want KindAuth", err)
	}
}

func TestForgedSignatureFailsAuth(t *testing.T) {
	alice, bob := newPair(t)

	env, err := alice.Encrypt([]byte("signed"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	env.Signature[0] ^= 0xFF

	_, err = bob.Decrypt(env)
	if !faults.Is(err, faults.KindAuth) {
		t.Fatalf("Decrypt() error kind = %v, want KindAuth", err)
	}
}

func TestRotationAfterSendBudget(t *testing.T) {
	alice, bob := newPair(t)
	firstDH := alice.LocalDHPublic()

	for i := 0; i < RotateAfterSends+1; i++ {
		env, err := alice.Encrypt([]byte("x"))
		if err != nil {
			t.Fatalf("Encrypt() iteration %d error = %v", i, err)
		}
		if _, err := bob.Decrypt(env); err != nil {
			t.Fatalf("Decrypt() iteration %d error = %v", i, err)
		}
	}

	if alice.LocalDHPublic() == firstDH {
		t.Fatalf("DH public key unchanged after exceeding rotation budget")
	}
	if alice.SendCounter() != 1 {
		t.Fatalf("SendCounter() after rotation = %d, want 1", alice.SendCounter())
	}
}

func TestWipeZeroesKeyMaterial(t *testing.T) {
	alice, _ := newPair(t)
	alice.Wipe()

	var zero cryptoprim.Key
	if alice.sending != zero {
		t.Errorf("sending chain key not wiped")
	}
	if alice.receiving != zero {
		t.Errorf("receiving chain key not wiped")
	}
	if alice.root != zero {
		t.Errorf("root key not wiped")
	}
	var zeroDH [32]byte
	if alice.localDH.Private != zeroDH {
		t.Errorf("DH private key not wiped")
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	alice, bob := newPair(t)

	env, err := alice.EncryptKeepAlive()
	if err != nil {
		t.Fatalf("EncryptKeepAlive() error = %v", err)
	}
	if err := bob.DecryptKeepAlive(env); err != nil {
		t.Fatalf("DecryptKeepAlive() error = %v", err)
	}
	// Keep-alives never advance the receive counter, so a following
	// real message still lands at the chain's current index.
	if bob.RecvCounter() != 0 {
		t.Fatalf("RecvCounter() after keep-alive = %d, want 0", bob.RecvCounter())
	}
}
