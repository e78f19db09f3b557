package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/mail"
)

type result struct {
	resp mail.ResponseFields
	err  error
}

// scripted holds each call until the test releases it.
type scripted struct {
	mu      sync.Mutex
	calls   []chan result
	started chan int
}

func newScripted() *scripted {
	return &scripted{started: make(chan int, 16)}
}

func (s *scripted) wait(ctx context.Context) (mail.ResponseFields, error) {
	ch := make(chan result, 1)
	s.mu.Lock()
	s.calls = append(s.calls, ch)
	idx := len(s.calls) - 1
	s.mu.Unlock()

	s.started <- idx
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return mail.ResponseFields{}, ctx.Err()
	}
}

func (s *scripted) release(idx int, resp mail.ResponseFields, err error) {
	s.mu.Lock()
	ch := s.calls[idx]
	s.mu.Unlock()
	ch <- result{resp: resp, err: err}
}

type scriptedGenerator struct {
	*scripted
	mu     sync.Mutex
	params []mail.GenerationParams
}

func (g *scriptedGenerator) Generate(ctx context.Context, p mail.GenerationParams) (mail.ResponseFields, error) {
	g.mu.Lock()
	g.params = append(g.params, p)
	g.mu.Unlock()
	return g.wait(ctx)
}

type scriptedExtractor struct {
	*scripted
	mu   sync.Mutex
	imgs []mail.Blob
}

func (e *scriptedExtractor) Extract(ctx context.Context, img mail.Blob) (mail.ResponseFields, error) {
	e.mu.Lock()
	e.imgs = append(e.imgs, img)
	e.mu.Unlock()
	return e.wait(ctx)
}

// instantExtractor answers immediately.
type instantExtractor struct {
	resp  mail.ResponseFields
	err   error
	calls int
	last  mail.Blob
}

func (e *instantExtractor) Extract(_ context.Context, img mail.Blob) (mail.ResponseFields, error) {
	e.calls++
	e.last = img
	return e.resp, e.err
}

type instantGenerator struct {
	resp mail.ResponseFields
	err  error
}

func (g *instantGenerator) Generate(context.Context, mail.GenerationParams) (mail.ResponseFields, error) {
	return g.resp, g.err
}

type fakeRasterizer struct {
	err   error
	calls int
}

func (r *fakeRasterizer) FirstPage(_ context.Context, data []byte) ([]byte, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return []byte("PNG<" + string(data) + ">"), nil
}

type fakePDF struct {
	err    error
	fields []mail.Fields
}

func (p *fakePDF) RenderPDF(_ context.Context, f mail.Fields) ([]byte, error) {
	p.fields = append(p.fields, f)
	if p.err != nil {
		return nil, p.err
	}
	return []byte("%PDF-" + f.Subject), nil
}

// switchSlot is an in-memory slot whose writes can be made to fail.
type switchSlot struct {
	*archive.MemorySlot
	mu   sync.Mutex
	down bool
}

func (s *switchSlot) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func (s *switchSlot) Save(ctx context.Context, p []byte) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return fmt.Errorf("storage quota exceeded")
	}
	return s.MemorySlot.Save(ctx, p)
}

func strPtr(s string) *string { return &s }
