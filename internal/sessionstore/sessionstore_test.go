package sessionstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/veilroom/veilcore/internal/verify"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetPeer(t *testing.T) {
	s := openTestStore(t)

	rec := PeerRecord{
		RoomID:     "room-1",
		PeerID:     "peer-a",
		Status:     verify.Verified,
		VerifiedAt: 1000,
		LastSeen:   1005,
	}
	if err := s.UpsertPeer(rec); err != nil {
		t.Fatalf("UpsertPeer() error = %v", err)
	}

	got, err := s.GetPeer("room-1", "peer-a")
	if err != nil {
		t.Fatalf("GetPeer() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetPeer() returned nil, want a record")
	}
	if got.Status != verify.Verified || got.VerifiedAt != 1000 || got.LastSeen != 1005 {
		t.Fatalf("GetPeer() = %+v, want %+v", got, rec)
	}
}

func TestGetPeerMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetPeer("room-1", "nobody")
	if err != nil {
		t.Fatalf("GetPeer() error = %v", err)
	}
	if got != nil {
		t.Fatalf("GetPeer() = %+v, want nil", got)
	}
}

func TestUpsertPeerOverwritesExisting(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertPeer(PeerRecord{RoomID: "room-1", PeerID: "peer-a", Status: verify.PendingChallenge}); err != nil {
		t.Fatalf("UpsertPeer() error = %v", err)
	}
	if err := s.UpsertPeer(PeerRecord{RoomID: "room-1", PeerID: "peer-a", Status: verify.Verified, VerifiedAt: 42}); err != nil {
		t.Fatalf("UpsertPeer() error = %v", err)
	}

	got, err := s.GetPeer("room-1", "peer-a")
	if err != nil {
		t.Fatalf("GetPeer() error = %v", err)
	}
	if got.Status != verify.Verified || got.VerifiedAt != 42 {
		t.Fatalf("GetPeer() after overwrite = %+v, want Verified/42", got)
	}
}

func TestTouchLastSeenPreservesStatus(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertPeer(PeerRecord{RoomID: "room-1", PeerID: "peer-a", Status: verify.Verified, VerifiedAt: 10, LastSeen: 10}); err != nil {
		t.Fatalf("UpsertPeer() error = %v", err)
	}

	newSeen := time.Unix(99, 0)
	if err := s.TouchLastSeen("room-1", "peer-a", newSeen); err != nil {
		t.Fatalf("TouchLastSeen() error = %v", err)
	}

	got, err := s.GetPeer("room-1", "peer-a")
	if err != nil {
		t.Fatalf("GetPeer() error = %v", err)
	}
	if got.LastSeen != 99 {
		t.Fatalf("LastSeen = %d, want 99", got.LastSeen)
	}
	if got.Status != verify.Verified {
		t.Fatalf("Status = %v, want Verified", got.Status)
	}
}

func TestListPeersScopesToRoom(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertPeer(PeerRecord{RoomID: "room-1", PeerID: "a"}); err != nil {
		t.Fatalf("UpsertPeer() error = %v", err)
	}
	if err := s.UpsertPeer(PeerRecord{RoomID: "room-1", PeerID: "b"}); err != nil {
		t.Fatalf("UpsertPeer() error = %v", err)
	}
	if err := s.UpsertPeer(PeerRecord{RoomID: "room-2", PeerID: "c"}); err != nil {
		t.Fatalf("UpsertPeer() error = %v", err)
	}

	peers, err := s.ListPeers("room-1")
	if err != nil {
		t.Fatalf("ListPeers() error = %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(ListPeers(room-1)) = %d, want 2", len(peers))
	}
}

func TestDeletePeerRemovesRow(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertPeer(PeerRecord{RoomID: "room-1", PeerID: "a"}); err != nil {
		t.Fatalf("UpsertPeer() error = %v", err)
	}
	if err := s.DeletePeer("room-1", "a"); err != nil {
		t.Fatalf("DeletePeer() error = %v", err)
	}

	got, err := s.GetPeer("room-1", "a")
	if err != nil {
		t.Fatalf("GetPeer() error = %v", err)
	}
	if got != nil {
		t.Fatalf("GetPeer() after delete = %+v, want nil", got)
	}
}
