package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// ActivityStore implements store.ActivityStore on the shared database.
type ActivityStore struct {
	db *sql.DB
}

// NewActivityStore returns an activity store backed by d.
func NewActivityStore(d *DB) *ActivityStore {
	return &ActivityStore{db: d.db}
}

func (s *ActivityStore) Record(channel, account, kind, peer string) error {
	if _, err := s.db.Exec(`INSERT INTO activity (channel, account, kind, peer, at) VALUES (?, ?, ?, ?, ?)`,
		channel, account, kind, peer, time.Now().Unix()); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// LastSeen returns when the peer was last recorded, or the zero time.
func (s *ActivityStore) LastSeen(channel, account, peer string) (time.Time, error) {
	var at int64
	err := s.db.QueryRow(
		`SELECT at FROM activity WHERE channel = ? AND account = ? AND peer = ? ORDER BY at DESC LIMIT 1`,
		channel, account, peer).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last seen: %w", err)
	}
	return time.Unix(at, 0), nil
}
