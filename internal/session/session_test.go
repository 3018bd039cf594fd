package session

import (
	"bytes"
	"context"
	"testing"

	"github.com/veilroom/veilcore/internal/framer"
	"github.com/veilroom/veilcore/internal/verify"
)

type fakeDiscovery struct{}

func (fakeDiscovery) Announce(ctx context.Context, key [32]byte, addr string) error { return nil }
func (fakeDiscovery) Lookup(ctx context.Context, key [32]byte) ([]string, error)    { return nil, nil }
func (fakeDiscovery) Close() error                                                 { return nil }

type queuedFrame struct {
	to      *Controller
	from    string
	payload []byte
}

type queueWriter struct {
	to    *Controller
	from  string
	queue *[]queuedFrame
}

func (w *queueWriter) Write(payload []byte) error {
	*w.queue = append(*w.queue, queuedFrame{to: w.to, from: w.from, payload: payload})
	return nil
}

func drain(t *testing.T, queue *[]queuedFrame) {
	t.Helper()
	for len(*queue) > 0 {
		item := (*queue)[0]
		*queue = (*queue)[1:]
		frame, err := framer.ReadFrame(bytes.NewReader(item.payload))
		if err != nil {
			t.Fatalf("framer.ReadFrame() error = %v", err)
		}
		item.to.OnInbound(item.from, frame)
	}
}

func newTestController(t *testing.T, roomID, addr string, onMessage func([]byte)) *Controller {
	t.Helper()
	c := New(fakeDiscovery{})
	var preKey [32]byte
	if err := c.Initialize(context.Background(), roomID, preKey, addr, onMessage); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { c.Cleanup() })
	return c
}

func TestAddPeerSendsChallenge(t *testing.T) {
	var queue []queuedFrame
	bob := newTestController(t, "room", "bob-addr", nil)
	alice := newTestController(t, "room", "alice-addr", nil)

	if err := alice.AddPeer("bob", &queueWriter{to: bob, from: "alice", queue: &queue}); err != nil {
		t.Fatalf("AddPeer() error = %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("queued frames = %d, want 1", len(queue))
	}
}

func TestMutualVerificationHandshake(t *testing.T) {
	var queue []queuedFrame
	alice := newTestController(t, "room", "alice-addr", nil)
	bob := newTestController(t, "room", "bob-addr", nil)

	if err := alice.AddPeer("bob", &queueWriter{to: bob, from: "alice", queue: &queue}); err != nil {
		t.Fatalf("alice.AddPeer() error = %v", err)
	}
	if err := bob.AddPeer("alice", &queueWriter{to: alice, from: "bob", queue: &queue}); err != nil {
		t.Fatalf("bob.AddPeer() error = %v", err)
	}
	drain(t, &queue)

	if alice.peers["bob"].verifier.Status() != verify.Verified {
		t.Fatalf("alice's view of bob = %v, want Verified", alice.peers["bob"].verifier.Status())
	}
	if bob.peers["alice"].verifier.Status() != verify.Verified {
		t.Fatalf("bob's view of alice = %v, want Verified", bob.peers["alice"].verifier.Status())
	}
}

func TestSendDeliversPlaintextAfterKeyExchange(t *testing.T) {
	var queue []queuedFrame
	var bobReceived []byte

	alice := newTestController(t, "room", "alice-addr", nil)
	bob := newTestController(t, "room", "bob-addr", func(pt []byte) { bobReceived = pt })

	if err := alice.AddPeer("bob", &queueWriter{to: bob, from: "alice", queue: &queue}); err != nil {
		t.Fatalf("alice.AddPeer() error = %v", err)
	}
	if err := bob.AddPeer("alice", &queueWriter{to: alice, from: "bob", queue: &queue}); err != nil {
		t.Fatalf("bob.AddPeer() error = %v", err)
	}
	drain(t, &queue)

	// Each ratchet is built from its controller's persistent DH keypair
	// and signing key, whose public halves the handshake already
	// carried. SetPeerKeys rebuilds each side's ratchet from the other
	// side's real bundle, the same path an out-of-band peer bundle
	// takes.
	bobDH, bobSigningPub := bob.LocalBundle()
	aliceDH, aliceSigningPub := alice.LocalBundle()
	if err := alice.SetPeerKeys("bob", bobDH, bobSigningPub, true); err != nil {
		t.Fatalf("alice.SetPeerKeys() error = %v", err)
	}
	if err := bob.SetPeerKeys("alice", aliceDH, aliceSigningPub, false); err != nil {
		t.Fatalf("bob.SetPeerKeys() error = %v", err)
	}

	if err := alice.Send(context.Background(), []byte("hi bob")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	drain(t, &queue)

	if string(bobReceived) != "hi bob" {
		t.Fatalf("bob received %q, want %q", bobReceived, "hi bob")
	}
}
