package sqlite

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextmesh/meshgate/internal/store"
)

// PairingStore implements store.PairingStore on the shared database.
type PairingStore struct {
	db *sql.DB
}

// NewPairingStore returns a pairing store backed by d.
func NewPairingStore(d *DB) *PairingStore {
	return &PairingStore{db: d.db}
}

func (s *PairingStore) AllowFrom(channel string) ([]string, error) {
	rows, err := s.db.Query(`SELECT node_id FROM pairing_allow WHERE channel = ? ORDER BY node_id`, channel)
	if err != nil {
		return nil, fmt.Errorf("query allowlist: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan allowlist: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PairingStore) UpsertRequest(channel, nodeID string, meta store.PairingMeta) (string, bool, error) {
	var existing string
	err := s.db.QueryRow(`SELECT code FROM pairing_requests WHERE channel = ? AND node_id = ?`,
		channel, nodeID).Scan(&existing)
	if err == nil {
		if meta.Name != "" {
			// Best effort, a fresher display name is worth keeping.
			s.db.Exec(`UPDATE pairing_requests SET name = ? WHERE channel = ? AND node_id = ?`,
				meta.Name, channel, nodeID)
		}
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("lookup pairing request: %w", err)
	}
	code, err := newPairingCode()
	if err != nil {
		return "", false, err
	}
	if _, err := s.db.Exec(
		`INSERT INTO pairing_requests (channel, node_id, name, code, created_at) VALUES (?, ?, ?, ?, ?)`,
		channel, nodeID, meta.Name, code, time.Now().Unix()); err != nil {
		return "", false, fmt.Errorf("insert pairing request: %w", err)
	}
	return code, true, nil
}

func (s *PairingStore) Approve(channel, code string) (string, error) {
	var nodeID string
	err := s.db.QueryRow(`SELECT node_id FROM pairing_requests WHERE channel = ? AND code = ?`,
		channel, code).Scan(&nodeID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no pairing request with code %q", code)
	}
	if err != nil {
		return "", fmt.Errorf("lookup pairing code: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin approve: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT OR IGNORE INTO pairing_allow (channel, node_id, approved_at) VALUES (?, ?, ?)`,
		channel, nodeID, time.Now().Unix()); err != nil {
		return "", fmt.Errorf("insert approval: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pairing_requests WHERE channel = ? AND node_id = ?`,
		channel, nodeID); err != nil {
		return "", fmt.Errorf("clear pairing request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit approve: %w", err)
	}
	return nodeID, nil
}

func (s *PairingStore) ListRequests(channel string) ([]store.PairingRequest, error) {
	rows, err := s.db.Query(
		`SELECT channel, node_id, name, code, created_at FROM pairing_requests WHERE channel = ? ORDER BY created_at, node_id`,
		channel)
	if err != nil {
		return nil, fmt.Errorf("query pairing requests: %w", err)
	}
	defer rows.Close()
	var out []store.PairingRequest
	for rows.Next() {
		var r store.PairingRequest
		var created int64
		if err := rows.Scan(&r.Channel, &r.NodeID, &r.Name, &r.Code, &created); err != nil {
			return nil, fmt.Errorf("scan pairing request: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// base32 without the lookalikes 0/O and 1/I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newPairingCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
