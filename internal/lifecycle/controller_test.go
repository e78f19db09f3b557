package lifecycle

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/mail"
)

var pngFile = mail.Blob{Name: "scan.png", ContentType: "image/png", Data: []byte("\x89PNG\r\n\x1a\nrest")}

func newArchive() *archive.Store {
	return archive.New(archive.NewMemorySlot(nil))
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) phases(p Pipeline) []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, e := range r.events {
		if e.Pipeline == p {
			out = append(out, e.Draft.Phase)
		}
	}
	return out
}

func TestUploadExtractCommit(t *testing.T) {
	store := newArchive()
	ext := &instantExtractor{resp: mail.ResponseFields{
		Subject:    strPtr("Réunion"),
		Importance: strPtr("Urgent"),
		Body:       strPtr("..."),
	}}
	c := New(Deps{Archive: store, Extractor: ext})
	rec := &recorder{}
	c.Subscribe(rec.listen)
	ctx := context.Background()

	d := c.BeginUpload(ctx, pngFile)
	require.Equal(t, ReviewReady, d.Phase)
	require.Equal(t, "Urgent", d.Fields.Importance)
	require.Equal(t, "", d.Fields.SenderService)
	require.Equal(t, "", d.Fields.LetterNumber)
	require.Equal(t, mail.DataURL("image/png", pngFile.Data), d.Preview)
	require.Equal(t, []Phase{Uploading, AwaitingExtraction, ReviewReady}, rec.phases(Incoming))

	r, err := c.CommitIncoming(ctx, d.Fields)
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)
	require.False(t, r.CreatedAt.IsZero())

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, r.ID, records[0].ID)
	require.Equal(t, mail.Incoming, records[0].Type)
	require.Equal(t, "Urgent", records[0].Importance)
	require.Equal(t, d.Preview, records[0].ImageData)

	after := c.Snapshot(Incoming)
	require.Equal(t, Idle, after.Phase)
	require.Empty(t, after.Preview)
	require.Equal(t, mail.Fields{}, after.Fields)
}

func TestCommit_UsesEditedFields(t *testing.T) {
	store := newArchive()
	c := New(Deps{Archive: store, Extractor: &instantExtractor{resp: mail.ResponseFields{Subject: strPtr("ocr guess")}}})
	ctx := context.Background()

	d := c.BeginUpload(ctx, pngFile)
	edited := d.Fields
	edited.Subject = "corrected"

	r, err := c.CommitIncoming(ctx, edited)
	require.NoError(t, err)
	require.Equal(t, "corrected", r.Subject)
}

func TestCommitPatched_PatchesCurrentDraft(t *testing.T) {
	store := newArchive()
	ext := &instantExtractor{resp: mail.ResponseFields{Subject: strPtr("premier"), SenderService: strPtr("DRH")}}
	c := New(Deps{Archive: store, Extractor: ext})
	ctx := context.Background()

	_, err := c.CommitPatched(ctx, Incoming, mail.Patch{})
	require.True(t, errors.Is(err, errors.ErrInvalidState), "commit from idle: %v", err)

	c.BeginUpload(ctx, pngFile)
	second := mail.Blob{Name: "second.png", ContentType: "image/png", Data: []byte("\x89PNG\r\n\x1a\nsecond")}
	ext.resp = mail.ResponseFields{Subject: strPtr("second"), SenderService: strPtr("DAF")}
	d := c.BeginUpload(ctx, second)
	require.Equal(t, ReviewReady, d.Phase)

	r, err := c.CommitPatched(ctx, Incoming, mail.Patch{Date: strPtr("2024-05-01")})
	require.NoError(t, err)
	require.Equal(t, "second", r.Subject)
	require.Equal(t, "DAF", r.SenderService)
	require.Equal(t, "2024-05-01", r.Date)
	require.Equal(t, mail.DataURL("image/png", second.Data), r.ImageData)
	require.Equal(t, Idle, c.Snapshot(Incoming).Phase)
}

func TestUpload_UnsupportedTypeIsNoop(t *testing.T) {
	ext := &instantExtractor{}
	c := New(Deps{Archive: newArchive(), Extractor: ext})
	rec := &recorder{}
	c.Subscribe(rec.listen)

	before := c.Snapshot(Incoming)
	d := c.BeginUpload(context.Background(), mail.Blob{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")})

	require.Equal(t, before, d)
	require.Equal(t, Idle, d.Phase)
	require.Empty(t, d.Error)
	require.Empty(t, rec.phases(Incoming))
	require.Equal(t, 0, ext.calls)
}

func TestUpload_UnsupportedDoesNotDisturbDraftInReview(t *testing.T) {
	c := New(Deps{Archive: newArchive(), Extractor: &instantExtractor{resp: mail.ResponseFields{Subject: strPtr("kept")}}})
	ctx := context.Background()

	d := c.BeginUpload(ctx, pngFile)
	require.Equal(t, ReviewReady, d.Phase)

	after := c.BeginUpload(ctx, mail.Blob{Name: "x.docx", ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"})
	require.Equal(t, d, after)
}

func TestSupported_DetectsMissingType(t *testing.T) {
	f, ok := Supported(mail.Blob{Name: "scan.PDF"})
	require.True(t, ok)
	require.Equal(t, "application/pdf", f.ContentType)

	f, ok = Supported(mail.Blob{Name: "upload", ContentType: "application/octet-stream", Data: pngFile.Data})
	require.True(t, ok)
	require.Equal(t, "image/png", f.ContentType)

	_, ok = Supported(mail.Blob{Name: "upload", Data: []byte("plain words")})
	require.False(t, ok)
}

func TestUpload_PDFIsRasterized(t *testing.T) {
	ext := &instantExtractor{resp: mail.ResponseFields{Subject: strPtr("from pdf")}}
	ras := &fakeRasterizer{}
	c := New(Deps{Archive: newArchive(), Extractor: ext, Rasterizer: ras})

	d := c.BeginUpload(context.Background(), mail.Blob{Name: "Courrier.PDF", ContentType: "application/pdf", Data: []byte("%PDF-1.4")})
	require.Equal(t, ReviewReady, d.Phase)
	require.Equal(t, 1, ras.calls)
	require.Equal(t, "Courrier.png", ext.last.Name)
	require.Equal(t, "image/png", ext.last.ContentType)
	require.Equal(t, "PNG<%PDF-1.4>", string(ext.last.Data))
	require.Equal(t, mail.DataURL("image/png", ext.last.Data), d.Preview)
	require.Equal(t, "Courrier.PDF", d.SourceName)
}

func TestUpload_RasterizerFailure(t *testing.T) {
	ext := &instantExtractor{}
	c := New(Deps{Archive: newArchive(), Extractor: ext, Rasterizer: &fakeRasterizer{err: errors.NewServiceError("unable to render PDF preview: damaged", nil)}})

	d := c.BeginUpload(context.Background(), mail.Blob{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")})
	require.Equal(t, Failed, d.Phase)
	require.Equal(t, "unable to render PDF preview: damaged", d.Error)
	require.Equal(t, 0, ext.calls)

	noRaster := New(Deps{Archive: newArchive(), Extractor: ext})
	d = noRaster.BeginUpload(context.Background(), mail.Blob{Name: "a.pdf", ContentType: "application/pdf"})
	require.Equal(t, Failed, d.Phase)
}

func TestUpload_ExtractionFailureThenReset(t *testing.T) {
	c := New(Deps{Archive: newArchive(), Extractor: &instantExtractor{err: errors.NewServiceError("timeout", nil)}})

	d := c.BeginUpload(context.Background(), pngFile)
	require.Equal(t, Failed, d.Phase)
	require.Equal(t, "timeout", d.Error)
	require.NotEmpty(t, d.Preview)

	d = c.ResetIncoming()
	require.Equal(t, Idle, d.Phase)
	require.Empty(t, d.Preview)
	require.Empty(t, d.Error)
}

func TestUpload_PlainErrorMessage(t *testing.T) {
	c := New(Deps{Archive: newArchive(), Extractor: &instantExtractor{err: context.DeadlineExceeded}})
	d := c.BeginUpload(context.Background(), pngFile)
	require.Equal(t, Failed, d.Phase)
	require.Equal(t, context.DeadlineExceeded.Error(), d.Error)
}

func TestNewAttemptClearsError(t *testing.T) {
	ext := &instantExtractor{err: errors.NewServiceError("timeout", nil)}
	c := New(Deps{Archive: newArchive(), Extractor: ext})
	rec := &recorder{}
	c.Subscribe(rec.listen)
	ctx := context.Background()

	c.BeginUpload(ctx, pngFile)
	ext.err = nil
	ext.resp = mail.ResponseFields{Subject: strPtr("ok")}
	d := c.BeginUpload(ctx, pngFile)

	require.Equal(t, ReviewReady, d.Phase)
	require.Empty(t, d.Error)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events[3:] {
		require.Empty(t, e.Draft.Error, "error must be cleared as soon as the new attempt starts")
	}
}

func TestCommit_InvalidState(t *testing.T) {
	store := newArchive()
	c := New(Deps{Archive: store, Extractor: &instantExtractor{err: errors.NewServiceError("x", nil)}})
	ctx := context.Background()

	_, err := c.CommitIncoming(ctx, mail.Fields{})
	require.True(t, errors.Is(err, errors.ErrInvalidState), "commit from idle: %v", err)

	c.BeginUpload(ctx, pngFile)
	_, err = c.CommitIncoming(ctx, mail.Fields{})
	require.True(t, errors.Is(err, errors.ErrInvalidState), "commit from failed: %v", err)

	_, err = c.CommitOutgoing(ctx, mail.Fields{})
	require.True(t, errors.Is(err, errors.ErrInvalidState))

	records, _ := store.List(ctx)
	require.Empty(t, records)
}

func TestCommit_StorageUnavailableKeepsDraft(t *testing.T) {
	slot := &switchSlot{MemorySlot: archive.NewMemorySlot(nil)}
	store := archive.New(slot)
	c := New(Deps{Archive: store, Extractor: &instantExtractor{resp: mail.ResponseFields{Subject: strPtr("draft")}}})
	rec := &recorder{}
	c.Subscribe(rec.listen)
	ctx := context.Background()

	d := c.BeginUpload(ctx, pngFile)
	edited := d.Fields
	edited.Subject = "edited by user"

	slot.setDown(true)
	_, err := c.CommitIncoming(ctx, edited)
	require.True(t, errors.Is(err, errors.ErrStorageUnavailable))

	kept := c.Snapshot(Incoming)
	require.Equal(t, ReviewReady, kept.Phase)
	require.Equal(t, edited, kept.Fields)
	require.Equal(t, d.Preview, kept.Preview)
	require.Contains(t, kept.Error, "storage quota exceeded")

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, records, "no partial commit")

	slot.setDown(false)
	r, err := c.CommitIncoming(ctx, kept.Fields)
	require.NoError(t, err)
	require.Equal(t, "edited by user", r.Subject)
	require.Equal(t, Idle, c.Snapshot(Incoming).Phase)

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	require.NotNil(t, last.Record)
	require.Equal(t, r.ID, last.Record.ID)
}

func TestGeneration_Success(t *testing.T) {
	store := newArchive()
	gen := &instantGenerator{resp: mail.ResponseFields{
		Subject: strPtr("Convocation"),
		Body:    strPtr("Madame, ..."),
		Date:    strPtr("Antananarivo, le 06 OCT 2025"),
	}}
	c := New(Deps{Archive: store, Generator: gen})
	ctx := context.Background()

	d := c.BeginGeneration(ctx, mail.GenerationParams{SenderService: "DRH", Prompt: "convoquer"})
	require.Equal(t, ReviewReady, d.Phase)
	require.Equal(t, "Normal", d.Fields.Importance)
	require.Empty(t, d.Preview)

	r, err := c.CommitOutgoing(ctx, d.Fields)
	require.NoError(t, err)
	require.Equal(t, mail.Outgoing, r.Type)
	require.Empty(t, r.ImageData)
	require.Equal(t, Idle, c.Snapshot(Outgoing).Phase)
}

func TestGeneration_FailureAllowsReentry(t *testing.T) {
	gen := &instantGenerator{err: errors.NewServiceError("generation error: Internal Server Error", nil)}
	c := New(Deps{Archive: newArchive(), Generator: gen})
	ctx := context.Background()

	d := c.BeginGeneration(ctx, mail.GenerationParams{})
	require.Equal(t, Failed, d.Phase)
	require.Equal(t, "generation error: Internal Server Error", d.Error)

	gen.err = nil
	gen.resp = mail.ResponseFields{Subject: strPtr("second try")}
	d = c.BeginGeneration(ctx, mail.GenerationParams{})
	require.Equal(t, ReviewReady, d.Phase)
	require.Empty(t, d.Error)
}

func TestGeneration_StaleResponseDropped(t *testing.T) {
	gen := &scriptedGenerator{scripted: newScripted()}
	c := New(Deps{Archive: newArchive(), Generator: gen})
	ctx := context.Background()

	first := make(chan Draft, 1)
	go func() { first <- c.BeginGeneration(ctx, mail.GenerationParams{Prompt: "one"}) }()
	require.Equal(t, 0, <-gen.started)

	second := make(chan Draft, 1)
	go func() { second <- c.BeginGeneration(ctx, mail.GenerationParams{Prompt: "two"}) }()
	require.Equal(t, 1, <-gen.started)

	gen.release(1, mail.ResponseFields{Subject: strPtr("second")}, nil)
	d2 := <-second
	require.Equal(t, ReviewReady, d2.Phase)
	require.Equal(t, "second", d2.Fields.Subject)

	gen.release(0, mail.ResponseFields{Subject: strPtr("first")}, nil)
	<-first

	now := c.Snapshot(Outgoing)
	require.Equal(t, ReviewReady, now.Phase)
	require.Equal(t, "second", now.Fields.Subject)
	require.Equal(t, d2.Token, now.Token)
}

func TestGeneration_StaleFailureDropped(t *testing.T) {
	gen := &scriptedGenerator{scripted: newScripted()}
	c := New(Deps{Archive: newArchive(), Generator: gen})
	ctx := context.Background()

	first := make(chan Draft, 1)
	go func() { first <- c.BeginGeneration(ctx, mail.GenerationParams{}) }()
	<-gen.started

	second := make(chan Draft, 1)
	go func() { second <- c.BeginGeneration(ctx, mail.GenerationParams{}) }()
	<-gen.started

	// The superseded call fails first; the live one is still pending.
	gen.release(0, mail.ResponseFields{}, errors.NewServiceError("late failure", nil))
	<-first
	require.Equal(t, AwaitingGeneration, c.Snapshot(Outgoing).Phase)
	require.Empty(t, c.Snapshot(Outgoing).Error)

	gen.release(1, mail.ResponseFields{Subject: strPtr("ok")}, nil)
	require.Equal(t, ReviewReady, (<-second).Phase)
}

func TestUpload_ResetWhileInFlight(t *testing.T) {
	ext := &scriptedExtractor{scripted: newScripted()}
	c := New(Deps{Archive: newArchive(), Extractor: ext})

	done := make(chan Draft, 1)
	go func() { done <- c.BeginUpload(context.Background(), pngFile) }()
	<-ext.started
	require.Equal(t, AwaitingExtraction, c.Snapshot(Incoming).Phase)

	d := c.ResetIncoming()
	require.Equal(t, Idle, d.Phase)

	ext.release(0, mail.ResponseFields{Subject: strPtr("too late")}, nil)
	<-done
	after := c.Snapshot(Incoming)
	require.Equal(t, Idle, after.Phase)
	require.Empty(t, after.Fields.Subject)
}

func TestPipelinesAreIndependent(t *testing.T) {
	ext := &scriptedExtractor{scripted: newScripted()}
	gen := &instantGenerator{resp: mail.ResponseFields{Subject: strPtr("out")}}
	c := New(Deps{Archive: newArchive(), Extractor: ext, Generator: gen})
	ctx := context.Background()

	done := make(chan Draft, 1)
	go func() { done <- c.BeginUpload(ctx, pngFile) }()
	<-ext.started

	d := c.BeginGeneration(ctx, mail.GenerationParams{})
	require.Equal(t, ReviewReady, d.Phase)
	_, err := c.CommitOutgoing(ctx, d.Fields)
	require.NoError(t, err)
	c.ResetOutgoing()

	require.Equal(t, AwaitingExtraction, c.Snapshot(Incoming).Phase)
	ext.release(0, mail.ResponseFields{Subject: strPtr("in")}, nil)
	require.Equal(t, "in", (<-done).Fields.Subject)
}

func TestRequestDraftPDF(t *testing.T) {
	pdf := &fakePDF{}
	fixed := time.UnixMilli(1714555800123)
	c := New(Deps{
		Archive:   newArchive(),
		Generator: &instantGenerator{resp: mail.ResponseFields{Subject: strPtr("Objet")}},
		PDF:       pdf,
		Now:       func() time.Time { return fixed },
	})
	ctx := context.Background()

	_, err := c.RequestDraftPDF(ctx, Outgoing, mail.Fields{})
	require.True(t, errors.Is(err, errors.ErrInvalidState))

	d := c.BeginGeneration(ctx, mail.GenerationParams{})
	edited := d.Fields
	edited.Subject = "Objet modifié"

	out, err := c.RequestDraftPDF(ctx, Outgoing, edited)
	require.NoError(t, err)
	require.Equal(t, "courrier_1714555800123.pdf", out.Filename)
	require.Equal(t, "%PDF-Objet modifié", string(out.Data))
	require.Equal(t, d, c.Snapshot(Outgoing), "rendering must not touch the draft")

	pdf.err = errors.NewServiceError("PDF generation error: Internal Server Error", nil)
	_, err = c.RequestDraftPDF(ctx, Outgoing, edited)
	require.True(t, errors.Is(err, errors.ErrServiceError))
	require.Equal(t, d, c.Snapshot(Outgoing))
}

func TestRequestRecordPDF(t *testing.T) {
	store := newArchive()
	pdf := &fakePDF{}
	c := New(Deps{Archive: store, PDF: pdf})
	ctx := context.Background()

	r, err := store.Add(ctx, archive.Draft{Type: mail.Incoming, Fields: mail.Fields{Subject: "archived"}})
	require.NoError(t, err)

	out, err := c.RequestRecordPDF(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out.Filename, "courrier_"))
	require.True(t, strings.HasSuffix(out.Filename, ".pdf"))
	require.Equal(t, "archived", pdf.fields[0].Subject)

	_, err = c.RequestRecordPDF(ctx, "missing")
	require.True(t, errors.Is(err, errors.ErrNotFound))

	pdf.err = context.Canceled
	_, err = c.RequestRecordPDF(ctx, r.ID)
	require.True(t, errors.Is(err, errors.ErrServiceError))
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	c := New(Deps{Archive: newArchive()})
	rec := &recorder{}
	unsubscribe := c.Subscribe(rec.listen)

	c.ResetIncoming()
	unsubscribe()
	unsubscribe()
	c.ResetIncoming()

	require.Len(t, rec.phases(Incoming), 1)
}

func TestEventsInMutationOrder(t *testing.T) {
	ext := &instantExtractor{resp: mail.ResponseFields{}}
	c := New(Deps{Archive: newArchive(), Extractor: ext})
	rec := &recorder{}
	c.Subscribe(rec.listen)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.BeginUpload(context.Background(), pngFile)
		}()
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var last uint64
	for _, e := range rec.events {
		require.GreaterOrEqual(t, e.Draft.Token, last, "tokens must never go backwards")
		last = e.Draft.Token
	}
	require.Equal(t, ReviewReady, c.Snapshot(Incoming).Phase)
}
