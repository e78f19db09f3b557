package ops

import (
	"sync"
	"testing"
	"time"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/db"
	"github.com/courrier-mg/courrier/internal/mail"
)

// newTestStore returns an archive backed by a fresh SQLite database whose
// clock advances one minute per record.
func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	var mu sync.Mutex
	now := time.Date(2025, 10, 6, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
	return archive.New(db.NewSlot(database, db.ArchiveSlot), archive.WithClock(clock))
}

func unsafeConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true
	return cfg
}

func addLetter(t *testing.T, store *archive.Store, typ mail.DocType, f mail.Fields, image string) mail.Record {
	t.Helper()
	r, err := store.Add(t.Context(), archive.Draft{Type: typ, Fields: f, ImageData: image})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	return r
}

func stringPtr(s string) *string { return &s }
