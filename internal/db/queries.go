package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ArchiveSlot is the slot holding the letter archive.
const ArchiveSlot = "llama_ocr_archive"

// GetSlot returns the payload stored under name. ok is false when the slot
// has never been written.
func GetSlot(ctx context.Context, db *sql.DB, name string) (payload []byte, ok bool, err error) {
	var s string
	err = db.QueryRowContext(ctx, `SELECT payload FROM slots WHERE name = ?`, name).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read slot %q: %w", name, err)
	}
	return []byte(s), true, nil
}

// PutSlot replaces the payload stored under name.
func PutSlot(ctx context.Context, db *sql.DB, name string, payload []byte, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO slots (name, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, name, string(payload), now.Unix())
	if err != nil {
		return fmt.Errorf("write slot %q: %w", name, err)
	}
	return nil
}

// Slot is one named slot of the database, read and written whole.
type Slot struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

// NewSlot returns the slot called name.
func NewSlot(db *sql.DB, name string) *Slot {
	return &Slot{db: db, name: name, now: time.Now}
}

// Load returns the slot payload, or nil if the slot is empty.
func (s *Slot) Load(ctx context.Context) ([]byte, error) {
	payload, _, err := GetSlot(ctx, s.db, s.name)
	return payload, err
}

// Save replaces the slot payload.
func (s *Slot) Save(ctx context.Context, payload []byte) error {
	return PutSlot(ctx, s.db, s.name, payload, s.now())
}
