// Package lifecycle drives letters through acquisition, review and commit.
//
// A Controller owns one draft per pipeline. Starting a new upload or
// generation supersedes whatever the pipeline was doing: the draft gets a
// new token and any response still in flight for the old token is dropped
// when it arrives. The two pipelines never interact.
package lifecycle

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/logger"
	"github.com/courrier-mg/courrier/internal/mail"
)

// Extractor reads letter fields out of an image.
type Extractor interface {
	Extract(ctx context.Context, img mail.Blob) (mail.ResponseFields, error)
}

// Generator drafts a letter from parameters.
type Generator interface {
	Generate(ctx context.Context, params mail.GenerationParams) (mail.ResponseFields, error)
}

// PDFRenderer renders a letter as PDF.
type PDFRenderer interface {
	RenderPDF(ctx context.Context, f mail.Fields) ([]byte, error)
}

// Rasterizer renders the first page of a PDF as PNG.
type Rasterizer interface {
	FirstPage(ctx context.Context, pdfData []byte) ([]byte, error)
}

// Archive is where committed letters go.
type Archive interface {
	Add(ctx context.Context, d archive.Draft) (mail.Record, error)
	Get(ctx context.Context, id string) (mail.Record, bool, error)
}

// Deps are the collaborators of a Controller. Extractor, Generator,
// Rasterizer and PDF may be nil; the matching operations then fail with a
// SERVICE_ERROR.
type Deps struct {
	Archive    Archive
	Extractor  Extractor
	Generator  Generator
	Rasterizer Rasterizer
	PDF        PDFRenderer
	Logger     *zap.Logger
	// Now is the clock used for PDF file names.
	Now func() time.Time
}

// Controller is the document lifecycle controller.
type Controller struct {
	deps Deps
	log  *zap.Logger

	// seq serializes state changes and the delivery of their events, so
	// listeners observe changes in the order they happened.
	seq sync.Mutex

	mu        sync.Mutex // guards the fields below
	drafts    map[Pipeline]*Draft
	listeners map[int]Listener
	nextID    int
}

// New returns a Controller with both pipelines idle.
func New(deps Deps) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{
		deps: deps,
		log:  logger.OrNop(deps.Logger),
		drafts: map[Pipeline]*Draft{
			Incoming: {Pipeline: Incoming, Phase: Idle},
			Outgoing: {Pipeline: Outgoing, Phase: Idle},
		},
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers l and returns a function that unregisters it.
func (c *Controller) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Snapshot returns a copy of the pipeline's current draft.
func (c *Controller) Snapshot(p Pipeline) Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.drafts[p]
}

// Supported normalizes file's content type (from its name or its first
// bytes when the declared type is missing) and reports whether it is an
// image or a PDF.
func Supported(file mail.Blob) (mail.Blob, bool) {
	ct := strings.TrimSpace(file.ContentType)
	if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(file.Name))); byExt != "" {
			ct = byExt
		} else if len(file.Data) > 0 {
			ct = http.DetectContentType(file.Data)
		}
	}
	file.ContentType = ct
	return file, file.IsImage() || file.IsPDF()
}

// BeginUpload starts the incoming pipeline on file and blocks until the
// attempt settles. Files that are neither images nor PDFs are ignored: no
// state changes and no error. A PDF is first rasterized and its first page
// is what gets previewed and extracted.
//
// The returned draft is the pipeline's state when the call returns, which
// belongs to a newer attempt if this one was superseded meanwhile.
func (c *Controller) BeginUpload(ctx context.Context, file mail.Blob) Draft {
	file, ok := Supported(file)
	if !ok {
		c.log.Debug("lifecycle.incoming.rejected", zap.String("name", file.Name), zap.String("content_type", file.ContentType))
		return c.Snapshot(Incoming)
	}

	tok := c.restart(Incoming, func(d *Draft) {
		d.Phase = Uploading
		d.SourceName = file.Name
	})

	img, err := c.resolveImage(ctx, file)
	if err != nil {
		c.fail(Incoming, tok, err)
		return c.Snapshot(Incoming)
	}

	preview := mail.DataURL(img.ContentType, img.Data)
	if !c.apply(Incoming, tok, "", nil, func(d *Draft) {
		d.Preview = preview
		d.Phase = AwaitingExtraction
	}) {
		return c.Snapshot(Incoming)
	}

	if c.deps.Extractor == nil {
		c.fail(Incoming, tok, errors.NewServiceError("extraction service is not configured", nil))
		return c.Snapshot(Incoming)
	}
	resp, err := c.deps.Extractor.Extract(ctx, img)
	if err != nil {
		c.fail(Incoming, tok, err)
		return c.Snapshot(Incoming)
	}

	fields := mail.FieldsFromResponse(resp)
	c.apply(Incoming, tok, "", nil, func(d *Draft) {
		d.Fields = fields
		d.Phase = ReviewReady
	})
	return c.Snapshot(Incoming)
}

// resolveImage returns the image to preview and extract: the file itself,
// or the first page of a PDF as PNG.
func (c *Controller) resolveImage(ctx context.Context, file mail.Blob) (mail.Blob, error) {
	if !file.IsPDF() {
		return file, nil
	}
	if c.deps.Rasterizer == nil {
		return mail.Blob{}, errors.NewServiceError("PDF previews are not available", nil)
	}
	png, err := c.deps.Rasterizer.FirstPage(ctx, file.Data)
	if err != nil {
		return mail.Blob{}, err
	}
	return mail.Blob{Name: pngName(file.Name), ContentType: "image/png", Data: png}, nil
}

func pngName(name string) string {
	if ext := filepath.Ext(name); strings.EqualFold(ext, ".pdf") {
		return name[:len(name)-len(ext)] + ".png"
	}
	if name == "" {
		return "page.png"
	}
	return name + ".png"
}

// CommitIncoming archives the reviewed incoming draft, with edited as its
// fields and the preview as its image, and resets the pipeline. If the
// archive cannot be written the draft stays in review with edited kept, so
// the commit can be retried.
func (c *Controller) CommitIncoming(ctx context.Context, edited mail.Fields) (mail.Record, error) {
	return c.commit(ctx, Incoming, edited)
}

// ResetIncoming discards the incoming draft whatever its phase. A response
// still in flight will be dropped.
func (c *Controller) ResetIncoming() Draft {
	return c.reset(Incoming)
}

// BeginGeneration starts the outgoing pipeline and blocks until the
// attempt settles. See BeginUpload for the return value.
func (c *Controller) BeginGeneration(ctx context.Context, params mail.GenerationParams) Draft {
	tok := c.restart(Outgoing, func(d *Draft) {
		d.Phase = AwaitingGeneration
	})

	if c.deps.Generator == nil {
		c.fail(Outgoing, tok, errors.NewServiceError("generation service is not configured", nil))
		return c.Snapshot(Outgoing)
	}
	resp, err := c.deps.Generator.Generate(ctx, params)
	if err != nil {
		c.fail(Outgoing, tok, err)
		return c.Snapshot(Outgoing)
	}

	fields := mail.FieldsFromResponse(resp)
	c.apply(Outgoing, tok, "", nil, func(d *Draft) {
		d.Fields = fields
		d.Phase = ReviewReady
	})
	return c.Snapshot(Outgoing)
}

// CommitOutgoing archives the reviewed outgoing draft with edited as its
// fields and resets the pipeline.
func (c *Controller) CommitOutgoing(ctx context.Context, edited mail.Fields) (mail.Record, error) {
	return c.commit(ctx, Outgoing, edited)
}

// ResetOutgoing discards the outgoing draft whatever its phase.
func (c *Controller) ResetOutgoing() Draft {
	return c.reset(Outgoing)
}

// Reset discards the draft of pipeline p.
func (c *Controller) Reset(p Pipeline) Draft {
	return c.reset(p)
}

// RequestDraftPDF renders the reviewed draft of pipeline p with edited as
// its fields. The draft is left exactly as it was, on success or failure.
func (c *Controller) RequestDraftPDF(ctx context.Context, p Pipeline, edited mail.Fields) (PDF, error) {
	if d := c.Snapshot(p); d.Phase != ReviewReady {
		return PDF{}, errors.NewInvalidState(string(p), string(d.Phase), "render PDF")
	}
	return c.renderPDF(ctx, edited)
}

// RequestRecordPDF renders an archived letter.
func (c *Controller) RequestRecordPDF(ctx context.Context, id string) (PDF, error) {
	if c.deps.Archive == nil {
		return PDF{}, errors.NewStorageUnavailable(nil)
	}
	rec, ok, err := c.deps.Archive.Get(ctx, id)
	if err != nil {
		return PDF{}, err
	}
	if !ok {
		return PDF{}, errors.NewNotFound(id)
	}
	return c.renderPDF(ctx, rec.Fields)
}

func (c *Controller) renderPDF(ctx context.Context, f mail.Fields) (PDF, error) {
	if c.deps.PDF == nil {
		return PDF{}, errors.NewServiceError("PDF generation is not configured", nil)
	}
	data, err := c.deps.PDF.RenderPDF(ctx, f)
	if err != nil {
		c.log.Warn("lifecycle.pdf.failed", zap.Error(err))
		return PDF{}, asServiceError(err)
	}
	return PDF{
		Filename: fmt.Sprintf("courrier_%d.pdf", c.deps.Now().UnixMilli()),
		Data:     data,
	}, nil
}

// CommitPatched archives the reviewed draft of pipeline p with patch
// applied over its current fields. The draft is read and committed under
// the same lock.
func (c *Controller) CommitPatched(ctx context.Context, p Pipeline, patch mail.Patch) (mail.Record, error) {
	return c.commitWith(ctx, p, func(f mail.Fields) mail.Fields {
		patch.Apply(&f)
		return f
	})
}

func (c *Controller) commit(ctx context.Context, p Pipeline, edited mail.Fields) (mail.Record, error) {
	return c.commitWith(ctx, p, func(mail.Fields) mail.Fields { return edited })
}

func (c *Controller) commitWith(ctx context.Context, p Pipeline, edit func(mail.Fields) mail.Fields) (mail.Record, error) {
	c.seq.Lock()
	defer c.seq.Unlock()

	d := c.Snapshot(p)
	if d.Phase != ReviewReady {
		return mail.Record{}, errors.NewInvalidState(string(p), string(d.Phase), "commit")
	}
	edited := edit(d.Fields)
	if c.deps.Archive == nil {
		return mail.Record{}, errors.NewStorageUnavailable(nil)
	}

	draft := archive.Draft{Type: p.docType(), Fields: edited}
	if p == Incoming {
		draft.ImageData = d.Preview
	}

	rec, err := c.deps.Archive.Add(ctx, draft)
	if err != nil {
		msg := errors.Message(err)
		c.log.Warn("lifecycle."+string(p)+".commit_failed", zap.Error(err))
		c.transition(p, d.Token, msg, nil, func(x *Draft) {
			x.Fields = edited
			x.Error = msg
		})
		return mail.Record{}, err
	}

	c.log.Info("lifecycle."+string(p)+".committed", zap.String("id", rec.ID))
	c.transition(p, d.Token, "letter archived", &rec, func(x *Draft) {
		*x = idleDraft(p, x.Token+1)
	})
	return rec, nil
}

func (c *Controller) reset(p Pipeline) Draft {
	c.restart(p, func(d *Draft) {})
	return c.Snapshot(p)
}

// restart discards the pipeline's draft, applies init to a fresh one under
// a new token, and returns that token.
func (c *Controller) restart(p Pipeline, init func(*Draft)) uint64 {
	c.seq.Lock()
	defer c.seq.Unlock()

	c.mu.Lock()
	old := c.drafts[p]
	tok := old.Token + 1
	if old.Phase.InFlight() {
		c.log.Debug("lifecycle."+string(p)+".superseded", zap.Uint64("token", old.Token))
	}
	c.mu.Unlock()

	c.transition(p, old.Token, "", nil, func(d *Draft) {
		*d = idleDraft(p, tok)
		init(d)
	})
	return tok
}

// fail moves the attempt tok to Failed with err's user-facing message.
func (c *Controller) fail(p Pipeline, tok uint64, err error) {
	msg := errors.Message(err)
	c.log.Warn("lifecycle."+string(p)+".failed", zap.Uint64("token", tok), zap.Error(err))
	c.apply(p, tok, msg, nil, func(d *Draft) {
		d.Phase = Failed
		d.Error = msg
	})
}

// apply runs fn on the draft if tok is still current, and reports whether
// it did.
func (c *Controller) apply(p Pipeline, tok uint64, notice string, rec *mail.Record, fn func(*Draft)) bool {
	c.seq.Lock()
	defer c.seq.Unlock()
	return c.transition(p, tok, notice, rec, fn)
}

// transition requires c.seq to be held.
func (c *Controller) transition(p Pipeline, tok uint64, notice string, rec *mail.Record, fn func(*Draft)) bool {
	c.mu.Lock()
	d := c.drafts[p]
	if d.Token != tok {
		current := d.Token
		c.mu.Unlock()
		c.log.Info("lifecycle."+string(p)+".stale_response", zap.Uint64("token", tok), zap.Uint64("current", current))
		return false
	}
	from := d.Phase
	fn(d)
	snap := *d
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	c.log.Debug("lifecycle."+string(p)+".transition",
		zap.String("from", string(from)),
		zap.String("to", string(snap.Phase)),
		zap.Uint64("token", snap.Token),
	)

	ev := Event{Pipeline: p, Draft: snap, Notice: notice, Record: rec}
	for _, l := range listeners {
		l(ev)
	}
	return true
}

func asServiceError(err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.NewServiceError(err.Error(), err)
}
