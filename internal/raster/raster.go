// Package raster turns the first page of a PDF into a PNG image, so that a
// scanned PDF can be previewed and sent to extraction like a photo.
package raster

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/logger"
)

// Rasterizer renders the first page of a PDF as PNG bytes.
type Rasterizer interface {
	FirstPage(ctx context.Context, pdfData []byte) ([]byte, error)
}

// PageCount returns the number of pages declared by the document.
func PageCount(data []byte) (n int, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("parse pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	return r.NumPage(), nil
}

// PopplerConfig configures Poppler.
type PopplerConfig struct {
	// Pdftoppm is the binary name or path. Empty means "pdftoppm".
	Pdftoppm string
	// DPI is the render resolution. Zero means 144 (twice the PDF's 72 dpi).
	DPI    int
	Runner Runner
	Logger *zap.Logger
}

// Poppler rasterizes with poppler's pdftoppm.
type Poppler struct {
	bin    string
	dpi    int
	runner Runner
	log    *zap.Logger
}

// NewPoppler returns a Poppler rasterizer.
func NewPoppler(cfg PopplerConfig) *Poppler {
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 144
	}
	log := logger.OrNop(cfg.Logger)
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{Log: log}
	}
	return &Poppler{bin: cfg.Pdftoppm, dpi: cfg.DPI, runner: cfg.Runner, log: log}
}

// FirstPage renders page 1 of pdfData. Failures are SERVICE_ERRORs.
func (p *Poppler) FirstPage(ctx context.Context, pdfData []byte) ([]byte, error) {
	if !bytes.HasPrefix(pdfData, []byte("%PDF-")) {
		return nil, errors.NewServiceError("not a PDF document", nil)
	}
	// Count pages when the parser understands the file; pdftoppm gets the
	// last word on documents it cannot read (PDF 2.0, xref streams).
	if n, err := PageCount(pdfData); err != nil {
		p.log.Debug("raster.pagecount.unavailable", zap.Error(err))
	} else if n < 1 {
		return nil, errors.NewServiceError("PDF has no pages", nil)
	}

	tmpDir, err := os.MkdirTemp("", "courrier-raster-*")
	if err != nil {
		return nil, errors.NewServiceError("rasterizer unavailable", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			p.log.Warn("raster.cleanup.failed", zap.String("dir", tmpDir), zap.Error(err))
		}
	}()

	in := filepath.Join(tmpDir, "in.pdf")
	if err := os.WriteFile(in, pdfData, 0600); err != nil {
		return nil, errors.NewServiceError("rasterizer unavailable", err)
	}
	prefix := filepath.Join(tmpDir, "page")

	// pdftoppm -f 1 -l 1 -singlefile -png -r <dpi> in.pdf <tmp>/page  ->  <tmp>/page.png
	_, stderr, err := p.runner.Run(ctx, p.bin,
		"-f", "1", "-l", "1", "-singlefile", "-png", "-r", strconv.Itoa(p.dpi), in, prefix)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		return nil, errors.NewServiceError(fmt.Sprintf("unable to render PDF preview: %s", msg), err)
	}

	png, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, errors.NewServiceError("unable to render PDF preview: no image produced", err)
	}
	return png, nil
}

// Cached memoizes another Rasterizer by content hash.
type Cached struct {
	next  Rasterizer
	cache *cache.Cache
}

// NewCached wraps next. Entries expire after ttl.
func NewCached(next Rasterizer, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: cache.New(ttl, 2*ttl)}
}

// FirstPage returns the cached rendering of pdfData, rendering it on a miss.
// Failures are not cached.
func (c *Cached) FirstPage(ctx context.Context, pdfData []byte) ([]byte, error) {
	sum := sha256.Sum256(pdfData)
	key := hex.EncodeToString(sum[:])
	if v, ok := c.cache.Get(key); ok {
		return v.([]byte), nil
	}
	png, err := c.next.FirstPage(ctx, pdfData)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, png, cache.DefaultExpiration)
	return png, nil
}
