package archive

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courrier-mg/courrier/internal/db"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/mail"
)

// flakySlot wraps a MemorySlot and fails on demand.
type flakySlot struct {
	*MemorySlot
	failLoad error
	failSave error
	saves    int
}

func (f *flakySlot) Load(ctx context.Context) ([]byte, error) {
	if f.failLoad != nil {
		return nil, f.failLoad
	}
	return f.MemorySlot.Load(ctx)
}

func (f *flakySlot) Save(ctx context.Context, p []byte) error {
	f.saves++
	if f.failSave != nil {
		return f.failSave
	}
	return f.MemorySlot.Save(ctx, p)
}

// tickingClock advances one second per call.
func tickingClock() func() time.Time {
	t := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore() *Store {
	return New(NewMemorySlot(nil), WithClock(tickingClock()))
}

func addLetter(t *testing.T, s *Store, typ mail.DocType, f mail.Fields) mail.Record {
	t.Helper()
	rec, err := s.Add(context.Background(), Draft{Type: typ, Fields: f})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return rec
}

func ids(records []mail.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestList_EmptySlot(t *testing.T) {
	for _, payload := range []string{"", "  ", "null", "[]"} {
		s := New(NewMemorySlot([]byte(payload)))
		records, err := s.List(context.Background())
		if err != nil {
			t.Fatalf("List(%q) error = %v", payload, err)
		}
		if records == nil || len(records) != 0 {
			t.Errorf("List(%q) = %v, want empty non-nil", payload, records)
		}
	}
}

func TestList_NewestFirst(t *testing.T) {
	s := newTestStore()
	var added []string
	for i := 0; i < 5; i++ {
		added = append(added, addLetter(t, s, mail.Incoming, mail.Fields{Subject: fmt.Sprintf("n%d", i)}).ID)
	}

	records, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got := ids(records)
	for i := range added {
		if got[i] != added[len(added)-1-i] {
			t.Fatalf("List() order = %v, want reverse of %v", got, added)
		}
	}
}

func TestList_NewestFirstWithFrozenClock(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	s := New(NewMemorySlot(nil), WithClock(func() time.Time { return frozen }))

	a := addLetter(t, s, mail.Incoming, mail.Fields{})
	b := addLetter(t, s, mail.Incoming, mail.Fields{})
	require.NotEqual(t, a.ID, b.ID)

	records, err := s.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{b.ID, a.ID}, ids(records))
}

func TestAdd_AssignsIDAndCreatedAt(t *testing.T) {
	s := newTestStore()
	rec := addLetter(t, s, mail.Outgoing, mail.Fields{Subject: "Convocation"})

	if rec.ID == "" {
		t.Error("ID is empty")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
	if rec.Type != mail.Outgoing {
		t.Errorf("Type = %q, want Outgoing", rec.Type)
	}

	got, ok, err := s.Get(context.Background(), rec.ID)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.Subject != "Convocation" || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}
}

func TestAdd_ImageOnlyForIncoming(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	in, err := s.Add(ctx, Draft{Type: mail.Incoming, ImageData: "data:image/png;base64,AA=="})
	require.NoError(t, err)
	require.Equal(t, "data:image/png;base64,AA==", in.ImageData)

	out, err := s.Add(ctx, Draft{Type: mail.Outgoing, ImageData: "data:image/png;base64,AA=="})
	require.NoError(t, err)
	require.Empty(t, out.ImageData)
}

func TestAdd_StorageUnavailable(t *testing.T) {
	slot := &flakySlot{MemorySlot: NewMemorySlot(nil)}
	s := New(slot)
	ctx := context.Background()

	addLetter(t, s, mail.Incoming, mail.Fields{Subject: "kept"})

	slot.failSave = fmt.Errorf("quota exceeded")
	_, err := s.Add(ctx, Draft{Type: mail.Incoming, Fields: mail.Fields{Subject: "lost"}})
	if !errors.Is(err, errors.ErrStorageUnavailable) {
		t.Fatalf("Add() error = %v, want STORAGE_UNAVAILABLE", err)
	}

	slot.failSave = nil
	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 || records[0].Subject != "kept" {
		t.Errorf("List() = %+v, want only the first record", records)
	}
}

func TestLoad_Failures(t *testing.T) {
	slot := &flakySlot{MemorySlot: NewMemorySlot(nil), failLoad: fmt.Errorf("disk gone")}
	s := New(slot)
	if _, err := s.List(context.Background()); !errors.Is(err, errors.ErrStorageUnavailable) {
		t.Errorf("List() error = %v, want STORAGE_UNAVAILABLE", err)
	}

	corrupt := New(NewMemorySlot([]byte(`{not json`)))
	_, err := corrupt.Add(context.Background(), Draft{})
	if !errors.Is(err, errors.ErrStorageUnavailable) {
		t.Errorf("Add() on corrupt slot error = %v, want STORAGE_UNAVAILABLE", err)
	}
}

func TestSearch_EmptyQueryIsList(t *testing.T) {
	s := newTestStore()
	addLetter(t, s, mail.Incoming, mail.Fields{Subject: "a"})
	addLetter(t, s, mail.Outgoing, mail.Fields{Subject: "b"})

	ctx := context.Background()
	all, err := s.List(ctx)
	require.NoError(t, err)
	found, err := s.Search(ctx, "")
	require.NoError(t, err)
	require.Equal(t, all, found)
}

func TestSearch_Fields(t *testing.T) {
	s := newTestStore()
	rec := addLetter(t, s, mail.Incoming, mail.Fields{
		Subject:         "Réunion de Coordination",
		LetterNumber:    "N°042/MEF/SG",
		SenderService:   "Direction des Ressources Humaines",
		ReceiverService: "Secrétariat Général",
		Body:            "confidential body text",
		Date:            "Antananarivo, le 3 mai 2024",
	})
	addLetter(t, s, mail.Incoming, mail.Fields{Subject: "unrelated"})

	ctx := context.Background()
	for _, q := range []string{"RÉUNION", "coordination", "042/mef", "ressources", "SECRÉTARIAT"} {
		found, err := s.Search(ctx, q)
		if err != nil {
			t.Fatalf("Search(%q) error = %v", q, err)
		}
		if len(found) != 1 || found[0].ID != rec.ID {
			t.Errorf("Search(%q) = %v, want [%s]", q, ids(found), rec.ID)
		}
	}

	for _, q := range []string{"confidential", "Antananarivo"} {
		found, err := s.Search(ctx, q)
		if err != nil {
			t.Fatalf("Search(%q) error = %v", q, err)
		}
		if len(found) != 0 {
			t.Errorf("Search(%q) matched unsearched field: %v", q, ids(found))
		}
	}
}

func TestSearch_KeepsOrder(t *testing.T) {
	s := newTestStore()
	first := addLetter(t, s, mail.Incoming, mail.Fields{Subject: "budget 2023"})
	addLetter(t, s, mail.Incoming, mail.Fields{Subject: "other"})
	third := addLetter(t, s, mail.Outgoing, mail.Fields{ReceiverService: "Budget office"})

	found, err := s.Search(context.Background(), "budget")
	require.NoError(t, err)
	require.Equal(t, []string{third.ID, first.ID}, ids(found))
}

func TestUpdate_OnlyPatchedFields(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	rec := addLetter(t, s, mail.Incoming, mail.Fields{Subject: "old", Body: "body", Importance: "Urgent"})

	subject := "X"
	ok, err := s.Update(ctx, rec.ID, mail.Patch{Subject: &subject})
	require.NoError(t, err)
	require.True(t, ok)

	got, _, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)

	want := rec
	want.Subject = "X"
	require.Equal(t, want.ID, got.ID)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
	require.Equal(t, want.Fields, got.Fields)
	require.Equal(t, want.Type, got.Type)
}

func TestUpdate_Missing(t *testing.T) {
	slot := &flakySlot{MemorySlot: NewMemorySlot(nil)}
	s := New(slot)
	addLetter(t, s, mail.Incoming, mail.Fields{Subject: "a"})
	before, _ := slot.Load(context.Background())
	saves := slot.saves

	subject := "X"
	ok, err := s.Update(context.Background(), "nope", mail.Patch{Subject: &subject})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if ok {
		t.Error("Update() on missing id = true, want false")
	}
	after, _ := slot.Load(context.Background())
	if string(before) != string(after) || slot.saves != saves {
		t.Error("Update() on missing id mutated the archive")
	}
}

func TestRemove_Idempotent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	a := addLetter(t, s, mail.Incoming, mail.Fields{})
	addLetter(t, s, mail.Incoming, mail.Fields{})

	removed, err := s.Remove(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.Remove(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, removed)

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotEqual(t, a.ID, records[0].ID)
}

func TestImport_Modes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	existing := addLetter(t, s, mail.Incoming, mail.Fields{Subject: "original"})

	old := mail.Record{ID: "legacy-1", Type: mail.Outgoing, Fields: mail.Fields{Subject: "legacy"}, CreatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	clash := mail.Record{ID: existing.ID, Type: mail.Incoming, Fields: mail.Fields{Subject: "replacement"}, CreatedAt: existing.CreatedAt}

	_, err := s.Import(ctx, []mail.Record{old, clash}, ImportModeError)
	require.True(t, errors.Is(err, errors.ErrAlreadyExists), "got %v", err)
	records, _ := s.List(ctx)
	require.Len(t, records, 1, "failed import must not write")

	res, err := s.Import(ctx, []mail.Record{old, clash}, ImportModeSkip)
	require.NoError(t, err)
	require.Equal(t, 1, res.Imported)
	require.Equal(t, 1, res.Skipped)

	res, err = s.Import(ctx, []mail.Record{clash}, ImportModeReplace)
	require.NoError(t, err)
	require.Equal(t, 1, res.Replaced)

	records, err = s.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{existing.ID, "legacy-1"}, ids(records))
	require.Equal(t, "replacement", records[0].Subject)
}

func TestImport_Validation(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now()

	_, err := s.Import(ctx, []mail.Record{{ID: "", CreatedAt: now}}, ImportModeError)
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = s.Import(ctx, []mail.Record{{ID: "a"}}, ImportModeError)
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = s.Import(ctx, []mail.Record{{ID: "a", CreatedAt: now}, {ID: "a", CreatedAt: now}}, ImportModeError)
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = s.Import(ctx, nil, ImportMode("merge"))
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestStore_SQLiteSlot(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()

	s := New(db.NewSlot(database, db.ArchiveSlot))
	rec, err := s.Add(ctx, Draft{Type: mail.Incoming, Fields: mail.Fields{Subject: "persisted"}})
	require.NoError(t, err)

	// A second store over the same slot sees the committed record.
	reopened := New(db.NewSlot(database, db.ArchiveSlot))
	records, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.ID, records[0].ID)

	payload, ok, err := db.GetSlot(ctx, database, db.ArchiveSlot)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, strings.Contains(string(payload), `"type":"entrant"`))
}
