package web

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/lifecycle"
	"github.com/courrier-mg/courrier/internal/logger"
	"github.com/courrier-mg/courrier/internal/mail"
	"github.com/courrier-mg/courrier/internal/ops"
)

const (
	maxUploadBytes = 32 << 20
	maxJSONBytes   = 1 << 20
)

// Handlers contains HTTP route handlers for the API.
type Handlers struct {
	store   *archive.Store
	ctrl    *lifecycle.Controller
	cfg     *config.Config
	log     *zap.Logger
	version string

	// base outlives requests: uploads and generations run under it.
	base context.Context
	jobs sync.WaitGroup
}

func newHandlers(base context.Context, deps Deps, cfg *config.Config, version string) *Handlers {
	return &Handlers{
		store:   deps.Store,
		ctrl:    deps.Controller,
		cfg:     cfg,
		log:     logger.OrNop(deps.Logger),
		version: version,
		base:    base,
	}
}

// drain cancels the background pipeline calls and waits for them to settle.
func (h *Handlers) drain(cancel context.CancelFunc) {
	cancel()
	h.jobs.Wait()
	h.log.Info("web.jobs.drained")
}

// HandleHealth handles GET /api/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": h.version})
}

// HandleList handles GET /api/letters. A non-empty q searches instead of
// listing.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := ptrString(q.Get("type"))
	limit := parseIntParam(r, "limit", ops.DefaultListLimit)
	offset := parseIntParam(r, "offset", 0)

	if query := strings.TrimSpace(q.Get("q")); query != "" {
		result, err := ops.Search(r.Context(), h.store, ops.SearchInput{
			Query:  query,
			Type:   typ,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			h.renderError(w, err)
			return
		}
		renderJSON(w, http.StatusOK, result)
		return
	}

	result, err := ops.List(r.Context(), h.store, ops.ListInput{
		Type:   typ,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleFetch handles GET /api/letters/{id}. The scan is included unless
// include_image=false.
func (h *Handlers) HandleFetch(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Fetch(r.Context(), h.store, ops.FetchInput{
		ID:           r.PathValue("id"),
		IncludeImage: r.URL.Query().Get("include_image") != "false",
	})
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleUpdate handles PATCH /api/letters/{id}.
func (h *Handlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	patch, err := decodeBody[mail.Patch](w, r)
	if err != nil {
		h.renderError(w, err)
		return
	}

	result, err := ops.Update(r.Context(), h.store, ops.UpdateInput{
		ID:    r.PathValue("id"),
		Patch: patch,
	})
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleDelete handles DELETE /api/letters/{id}.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Delete(r.Context(), h.store, ops.DeleteInput{ID: r.PathValue("id")})
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleRecordPDF handles GET /api/letters/{id}/pdf.
func (h *Handlers) HandleRecordPDF(w http.ResponseWriter, r *http.Request) {
	id, err := ops.ValidateID(r.PathValue("id"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	pdf, err := h.ctrl.RequestRecordPDF(r.Context(), id)
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderPDF(w, pdf)
}

// HandleImage handles GET /api/letters/{id}/image, serving the archived scan
// decoded from its data URL.
func (h *Handlers) HandleImage(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Fetch(r.Context(), h.store, ops.FetchInput{
		ID:           r.PathValue("id"),
		IncludeImage: true,
	})
	if err != nil {
		h.renderError(w, err)
		return
	}
	if result.ImageData == "" {
		h.renderError(w, &errors.CourrierError{
			Code:    errors.ErrNotFound,
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("letter %s has no image", result.ID),
		})
		return
	}
	mimeType, data, err := mail.ParseDataURL(result.ImageData)
	if err != nil {
		h.renderError(w, errors.NewInternal(fmt.Errorf("letter %s: %w", result.ID, err)))
		return
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleDraft returns the handler for GET /api/{pipeline}.
func (h *Handlers) HandleDraft(p lifecycle.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, h.ctrl.Snapshot(p))
	}
}

// HandleUpload handles POST /api/incoming/upload (multipart field "file").
// Extraction runs in the background; the response is 202 once the file is
// accepted.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.renderError(w, errors.NewInvalidRequest(fmt.Sprintf("multipart field \"file\" is required: %v", err)))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.renderError(w, errors.NewInvalidRequest(fmt.Sprintf("read upload: %v", err)))
		return
	}

	blob, ok := lifecycle.Supported(mail.Blob{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if !ok {
		h.renderError(w, errors.NewValidationRejected(blob.ContentType))
		return
	}

	h.log.Info("web.incoming_upload", zap.String("name", blob.Name), zap.Int("bytes", len(data)))
	h.jobs.Go(func() {
		h.ctrl.BeginUpload(h.base, blob)
	})
	renderJSON(w, http.StatusAccepted, map[string]any{"pipeline": lifecycle.Incoming, "accepted": true})
}

// HandleGenerate handles POST /api/outgoing/generate. Generation runs in the
// background; the response is 202 once the parameters are accepted.
func (h *Handlers) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	params, err := decodeBody[mail.GenerationParams](w, r)
	if err != nil {
		h.renderError(w, err)
		return
	}
	if strings.TrimSpace(params.Prompt) == "" {
		h.renderError(w, errors.NewInvalidRequest("prompt is required"))
		return
	}

	h.jobs.Go(func() {
		h.ctrl.BeginGeneration(h.base, params)
	})
	renderJSON(w, http.StatusAccepted, map[string]any{"pipeline": lifecycle.Outgoing, "accepted": true})
}

// HandleCommit returns the handler for POST /api/{pipeline}/commit. The
// body holds corrections applied over the draft's fields.
func (h *Handlers) HandleCommit(p lifecycle.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patch, err := decodeBody[mail.Patch](w, r)
		if err != nil {
			h.renderError(w, err)
			return
		}

		rec, err := h.ctrl.CommitPatched(r.Context(), p, patch)
		if err != nil {
			h.renderError(w, err)
			return
		}
		renderJSON(w, http.StatusCreated, map[string]any{"id": rec.ID, "letter": rec.ToSummary()})
	}
}

// HandleReset returns the handler for POST /api/{pipeline}/reset.
func (h *Handlers) HandleReset(p lifecycle.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, h.ctrl.Reset(p))
	}
}

// HandleDraftPDF returns the handler for POST /api/{pipeline}/pdf. The body
// holds unsaved corrections to render with.
func (h *Handlers) HandleDraftPDF(p lifecycle.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		edited, err := h.editedFields(w, r, p)
		if err != nil {
			h.renderError(w, err)
			return
		}
		pdf, err := h.ctrl.RequestDraftPDF(r.Context(), p, edited)
		if err != nil {
			h.renderError(w, err)
			return
		}
		renderPDF(w, pdf)
	}
}

func (h *Handlers) editedFields(w http.ResponseWriter, r *http.Request, p lifecycle.Pipeline) (mail.Fields, error) {
	patch, err := decodeBody[mail.Patch](w, r)
	if err != nil {
		return mail.Fields{}, err
	}
	edited := h.ctrl.Snapshot(p).Fields
	patch.Apply(&edited)
	return edited, nil
}

// decodeBody reads a JSON body into T. An empty body is T's zero value.
func decodeBody[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil && !stderrors.Is(err, io.EOF) {
		return v, errors.NewInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return v, nil
}

// renderError writes the JSON error envelope. Internal errors are logged
// and their message withheld.
func (h *Handlers) renderError(w http.ResponseWriter, err error) {
	cErr, ok := errors.As(err)
	if !ok {
		cErr = errors.NewInternal(err)
	}

	message := cErr.Message
	if cErr.Code == errors.ErrInternal {
		h.log.Error("web.internal_error", zap.Error(err))
		message = "an internal error occurred"
	}

	renderJSON(w, cErr.Status, map[string]any{
		"error": map[string]any{
			"code":    string(cErr.Code),
			"message": message,
			"status":  cErr.Status,
		},
	})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func renderPDF(w http.ResponseWriter, pdf lifecycle.PDF) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pdf.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf.Data)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// ptrString returns a pointer to s if non-empty, nil otherwise.
func ptrString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
