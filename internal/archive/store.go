// Package archive is the persistent, newest-first collection of committed
// letters. Every operation reads the whole collection from its Slot, and
// every mutation writes the whole collection back before returning.
package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/mail"
)

// Draft is what gets committed: everything but the id and timestamp, which
// the store assigns.
type Draft struct {
	Type      mail.DocType
	Fields    mail.Fields
	ImageData string
}

// Store is the letter archive. Operations are serialized by an internal
// mutex, so a Store may be shared between goroutines.
type Store struct {
	mu      sync.Mutex
	slot    Slot
	now     func() time.Time
	entropy io.Reader
	log     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for createdAt and ids.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Store persisting to slot.
func New(slot Slot, opts ...Option) *Store {
	s := &Store{
		slot:    slot,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]mail.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (mail.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return mail.Record{}, false, err
	}
	if i := indexOf(records, id); i >= 0 {
		return records[i], true, nil
	}
	return mail.Record{}, false, nil
}

// Add commits d at the head of the archive and returns the full record.
// If the slot cannot be written, nothing is added and the error is
// STORAGE_UNAVAILABLE.
func (s *Store) Add(ctx context.Context, d Draft) (mail.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return mail.Record{}, err
	}

	now := s.now().UTC()
	id, err := s.newID(now, records)
	if err != nil {
		return mail.Record{}, errors.NewInternal(err)
	}

	rec := mail.Record{
		ID:        id,
		Type:      d.Type,
		Fields:    d.Fields,
		CreatedAt: now,
	}
	if d.Type == mail.Incoming {
		rec.ImageData = d.ImageData
	}
	if rec.Type == "" {
		rec.Type = mail.Incoming
	}

	next := make([]mail.Record, 0, len(records)+1)
	next = append(next, rec)
	next = append(next, records...)

	if err := s.save(ctx, next); err != nil {
		return mail.Record{}, err
	}
	s.log.Debug("archive.add", zap.String("id", id), zap.String("type", rec.Type.Label()))
	return rec, nil
}

// Update merges patch into the record with the given id. It reports whether
// the id existed; nothing is written when it did not.
func (s *Store) Update(ctx context.Context, id string, patch mail.Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	i := indexOf(records, id)
	if i < 0 {
		return false, nil
	}
	patch.Apply(&records[i].Fields)

	if err := s.save(ctx, records); err != nil {
		return false, err
	}
	s.log.Debug("archive.update", zap.String("id", id))
	return true, nil
}

// Remove deletes the record with the given id. Removing an absent id is not
// an error; removed reports whether anything was deleted.
func (s *Store) Remove(ctx context.Context, id string) (removed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	i := indexOf(records, id)
	if i < 0 {
		return false, nil
	}
	next := append(records[:i:i], records[i+1:]...)

	if err := s.save(ctx, next); err != nil {
		return false, err
	}
	s.log.Debug("archive.remove", zap.String("id", id))
	return true, nil
}

// Search returns, newest first, the records whose subject, letter number,
// sender or receiver contains query (case-insensitive). An empty query
// returns everything.
func (s *Store) Search(ctx context.Context, query string) ([]mail.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return records, nil
	}

	q := strings.ToLower(query)
	matches := make([]mail.Record, 0)
	for _, r := range records {
		if Matches(r, q) {
			matches = append(matches, r)
		}
	}
	return matches, nil
}

// Matches reports whether the lowercased query q occurs in one of the
// searchable fields of r.
func Matches(r mail.Record, q string) bool {
	for _, field := range []string{r.Subject, r.LetterNumber, r.SenderService, r.ReceiverService} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// ImportMode controls what happens when an imported id already exists.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // any collision fails the whole import
	ImportModeReplace ImportMode = "replace" // imported record replaces the existing one
	ImportModeSkip    ImportMode = "skip"    // existing record is kept
)

// ImportResult counts what Import did.
type ImportResult struct {
	Imported int      `json:"imported"`
	Replaced int      `json:"replaced"`
	Skipped  int      `json:"skipped"`
	IDs      []string `json:"ids,omitempty"`
}

// Import merges already-committed records (with their own ids and
// timestamps) into the archive and re-sorts it newest first.
func (s *Store) Import(ctx context.Context, incoming []mail.Record, mode ImportMode) (*ImportResult, error) {
	switch mode {
	case "":
		mode = ImportModeError
	case ImportModeError, ImportModeReplace, ImportModeSkip:
	default:
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid import mode: %q", mode))
	}

	seen := make(map[string]bool, len(incoming))
	for i, r := range incoming {
		if strings.TrimSpace(r.ID) == "" {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("record %d has no id", i+1))
		}
		if r.CreatedAt.IsZero() {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("record %s has no createdAt", r.ID))
		}
		if seen[r.ID] {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("duplicate id in import: %s", r.ID))
		}
		seen[r.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for _, r := range incoming {
		if r.Type == "" {
			r.Type = mail.Incoming
		}
		i := indexOf(records, r.ID)
		switch {
		case i < 0:
			records = append(records, r)
			result.Imported++
			result.IDs = append(result.IDs, r.ID)
		case mode == ImportModeReplace:
			records[i] = r
			result.Replaced++
			result.IDs = append(result.IDs, r.ID)
		case mode == ImportModeSkip:
			result.Skipped++
		default:
			return nil, errors.NewAlreadyExists(r.ID)
		}
	}

	if result.Imported == 0 && result.Replaced == 0 {
		return result, nil
	}

	sort.SliceStable(records, func(a, b int) bool {
		return records[a].CreatedAt.After(records[b].CreatedAt)
	})
	if err := s.save(ctx, records); err != nil {
		return nil, err
	}
	s.log.Info("archive.import", zap.Int("imported", result.Imported), zap.Int("replaced", result.Replaced), zap.Int("skipped", result.Skipped))
	return result, nil
}

func (s *Store) load(ctx context.Context) ([]mail.Record, error) {
	payload, err := s.slot.Load(ctx)
	if err != nil {
		s.log.Warn("archive.load.failed", zap.Error(err))
		return nil, errors.NewStorageUnavailable(err)
	}
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return []mail.Record{}, nil
	}
	var records []mail.Record
	if err := json.Unmarshal(payload, &records); err != nil {
		s.log.Error("archive.load.corrupt", zap.Error(err))
		return nil, errors.NewStorageUnavailable(fmt.Errorf("archive is corrupt: %w", err))
	}
	return records, nil
}

func (s *Store) save(ctx context.Context, records []mail.Record) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return errors.NewInternal(err)
	}
	if err := s.slot.Save(ctx, payload); err != nil {
		s.log.Warn("archive.save.failed", zap.Error(err))
		return errors.NewStorageUnavailable(err)
	}
	return nil
}

// newID returns a ULID that no existing record uses.
func (s *Store) newID(now time.Time, records []mail.Record) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id, err := ulid.New(ulid.Timestamp(now), s.entropy)
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		if indexOf(records, id.String()) < 0 {
			return id.String(), nil
		}
	}
	return "", fmt.Errorf("generate id: no unique id after 5 attempts")
}

func indexOf(records []mail.Record, id string) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}
