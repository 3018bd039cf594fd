package cryptoprim

import (
	"bytes"
	"testing"
)

func TestDHAgreementIsSymmetric(t *testing.T) {
	alice, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateDHKeyPair() error = %v", err)
	}
	bob, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateDHKeyPair() error = %v", err)
	}

	aShared, err := DH(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("DH(alice) error = %v", err)
	}
	bShared, err := DH(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("DH(bob) error = %v", err)
	}

	if !bytes.Equal(aShared, bShared) {
		t.Fatalf("DH outputs differ: %x vs %x", aShared, bShared)
	}
}

func TestClientSessionKeysMirror(t *testing.T) {
	alice, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateDHKeyPair() error = %v", err)
	}
	bob, err := GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateDHKeyPair() error = %v", err)
	}

	aRx, aTx, err := ClientSessionKeys(alice.Private, alice.Public, bob.Public, true)
	if err != nil {
		t.Fatalf("ClientSessionKeys(alice) error = %v", err)
	}
	bRx, bTx, err := ClientSessionKeys(bob.Private, bob.Public, alice.Public, false)
	if err != nil {
		t.Fatalf("ClientSessionKeys(bob) error = %v", err)
	}

	if aTx != bRx {
		t.Errorf("alice.tx != bob.rx")
	}
	if aRx != bTx {
		t.Errorf("alice.rx != bob.tx")
	}
}

func TestDeriveSubkeyDeterministicAndDistinct(t *testing.T) {
	var master Key
	copy(master[:], bytes.Repeat([]byte{0x42}, KeySize))

	ctx := [8]byte{'m', 's', 'g', 0, 0, 0, 0, 0}

	k1 := DeriveSubkey(master, ctx, 1)
	k1Again := DeriveSubkey(master, ctx, 1)
	if k1 != k1Again {
		t.Fatalf("DeriveSubkey not deterministic")
	}

	k2 := DeriveSubkey(master, ctx, 2)
	if k1 == k2 {
		t.Fatalf("DeriveSubkey produced identical output for different ids")
	}

	otherCtx := [8]byte{'s', 'n', 'd', 0, 0, 0, 0, 0}
	k3 := DeriveSubkey(master, otherCtx, 1)
	if k1 == k3 {
		t.Fatalf("DeriveSubkey produced identical output for different contexts")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key Key
	copy(key[:], bytes.Repeat([]byte{0x11}, KeySize))

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}

	plaintext := []byte("hello ratchet")
	ciphertext, err := Seal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	got, err := Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Open() = %q, want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var key Key
	copy(key[:], bytes.Repeat([]byte{0x22}, KeySize))
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}

	ciphertext, err := Seal(key, nonce, []byte("integrity matters"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	ciphertext[0] ^= 0xFF

	if _, err := Open(key, nonce, ciphertext); err == nil {
		t.Fatalf("Open() of tampered ciphertext succeeded")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair() error = %v", err)
	}

	data := []byte("ciphertext-bytes")
	sig := Sign(kp.Private, data)
	if !Verify(kp.Public, data, sig) {
		t.Fatalf("Verify() = false, want true")
	}

	data[0] ^= 1
	if Verify(kp.Public, data, sig) {
		t.Fatalf("Verify() = true for tampered data, want false")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{1, 2, 3}
	c := []byte{1, 2, 4}

	if !ConstantTimeEqual(a, b) {
		t.Errorf("ConstantTimeEqual(a, b) = false, want true")
	}
	if ConstantTimeEqual(a, c) {
		t.Errorf("ConstantTimeEqual(a, c) = true, want false")
	}
}

func TestKeyWipe(t *testing.T) {
	var k Key
	copy(k[:], bytes.Repeat([]byte{0xAB}, KeySize))
	k.Wipe()
	var zero Key
	if k != zero {
		t.Fatalf("Wipe() left non-zero bytes: %x", k)
	}
}
