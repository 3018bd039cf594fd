// Package sessionstore persists peer bookkeeping that must survive a
// process restart: verification state and last-seen timestamps for
// every peer a room has ever seen. It holds none of the ratchet key
// material itself — that stays in memory only and is wiped on
// Cleanup, per the forward-secrecy requirement — only the metadata a
// host needs to rebuild its peer list without replaying a full
// verification handshake prompt to the user.
package sessionstore

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veilroom/veilcore/internal/faults"
	"github.com/veilroom/veilcore/internal/verify"
)

// PeerRecord is one row of peer bookkeeping, scoped to a room.
type PeerRecord struct {
	RoomID     string
	PeerID     string
	Status     verify.Status
	VerifiedAt int64 // unix seconds; 0 if never verified
	LastSeen   int64 // unix seconds
}

// Store wraps a SQLite-backed table of peer bookkeeping.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, faults.New(faults.KindUsage, "sessionstore.Open", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, faults.New(faults.KindUsage, "sessionstore.Open", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS peers (
		room_id     TEXT NOT NULL,
		peer_id     TEXT NOT NULL,
		status      TEXT NOT NULL,
		verified_at INTEGER NOT NULL DEFAULT 0,
		last_seen   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (room_id, peer_id)
	);
	CREATE INDEX IF NOT EXISTS idx_peers_room ON peers(room_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return faults.New(faults.KindUsage, "sessionstore.initSchema", err)
	}
	return nil
}

// UpsertPeer writes or updates a peer's bookkeeping row.
func (s *Store) UpsertPeer(rec PeerRecord) error {
	const q = `
	INSERT INTO peers (room_id, peer_id, status, verified_at, last_seen)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(room_id, peer_id) DO UPDATE SET
		status = excluded.status,
		verified_at = excluded.verified_at,
		last_seen = excluded.last_seen
	`
	_, err := s.db.Exec(q, rec.RoomID, rec.PeerID, rec.Status.String(), rec.VerifiedAt, rec.LastSeen)
	if err != nil {
		return faults.New(faults.KindUsage, "sessionstore.UpsertPeer", err)
	}
	return nil
}

// TouchLastSeen updates only the last-seen timestamp for a peer,
// leaving its verification bookkeeping untouched. Only an existing row
// is updated; a peer with no row is not recorded.
func (s *Store) TouchLastSeen(roomID, peerID string, when time.Time) error {
	const q = `UPDATE peers SET last_seen = ? WHERE room_id = ? AND peer_id = ?`
	_, err := s.db.Exec(q, when.Unix(), roomID, peerID)
	if err != nil {
		return faults.New(faults.KindUsage, "sessionstore.TouchLastSeen", err)
	}
	return nil
}

// GetPeer returns one peer's bookkeeping row, or nil if not found.
func (s *Store) GetPeer(roomID, peerID string) (*PeerRecord, error) {
	const q = `SELECT room_id, peer_id, status, verified_at, last_seen FROM peers WHERE room_id = ? AND peer_id = ?`
	row := s.db.QueryRow(q, roomID, peerID)

	var rec PeerRecord
	var statusStr string
	if err := row.Scan(&rec.RoomID, &rec.PeerID, &statusStr, &rec.VerifiedAt, &rec.LastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, faults.New(faults.KindUsage, "sessionstore.GetPeer", err)
	}
	rec.Status = parseStatus(statusStr)
	return &rec, nil
}

// ListPeers returns every peer bookkeeping row for a room.
func (s *Store) ListPeers(roomID string) ([]PeerRecord, error) {
	const q = `SELECT room_id, peer_id, status, verified_at, last_seen FROM peers WHERE room_id = ?`
	rows, err := s.db.Query(q, roomID)
	if err != nil {
		return nil, faults.New(faults.KindUsage, "sessionstore.ListPeers", err)
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		var rec PeerRecord
		var statusStr string
		if err := rows.Scan(&rec.RoomID, &rec.PeerID, &statusStr, &rec.VerifiedAt, &rec.LastSeen); err != nil {
			return nil, faults.New(faults.KindUsage, "sessionstore.ListPeers", err)
		}
		rec.Status = parseStatus(statusStr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeletePeer removes a peer's bookkeeping row, e.g. on session
// teardown or explicit host-initiated forget.
func (s *Store) DeletePeer(roomID, peerID string) error {
	const q = `DELETE FROM peers WHERE room_id = ? AND peer_id = ?`
	_, err := s.db.Exec(q, roomID, peerID)
	if err != nil {
		return faults.New(faults.KindUsage, "sessionstore.DeletePeer", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func parseStatus(s string) verify.Status {
	switch s {
	case "verified":
		return verify.Verified
	case "failed":
		return verify.Failed
	default:
		return verify.PendingChallenge
	}
}
