package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/lifecycle"
	"github.com/courrier-mg/courrier/internal/logger"
	"github.com/courrier-mg/courrier/internal/mail"
	"github.com/courrier-mg/courrier/internal/ops"
)

// Deps are what the tool handlers operate on.
type Deps struct {
	Store      *archive.Store
	Controller *lifecycle.Controller
	Logger     *zap.Logger
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	store *archive.Store
	ctrl  *lifecycle.Controller
	cfg   *config.Config
	log   *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, cfg *config.Config) *Handlers {
	return &Handlers{
		store: deps.Store,
		ctrl:  deps.Controller,
		cfg:   cfg,
		log:   logger.OrNop(deps.Logger),
	}
}

// Request types for each tool

// ListRequest represents the arguments for letter_list.
type ListRequest struct {
	Type   *string `json:"type,omitempty"`
	Limit  int     `json:"limit,omitempty"`
	Offset int     `json:"offset,omitempty"`
}

// SearchRequest represents the arguments for letter_search.
type SearchRequest struct {
	Query  string  `json:"query"`
	Type   *string `json:"type,omitempty"`
	Limit  int     `json:"limit,omitempty"`
	Offset int     `json:"offset,omitempty"`
}

// FetchRequest represents the arguments for letter_fetch.
type FetchRequest struct {
	ID           string `json:"id"`
	IncludeImage bool   `json:"include_image,omitempty"`
}

// UpdateRequest represents the arguments for letter_update.
type UpdateRequest struct {
	ID string `json:"id"`
	mail.Patch
}

// DeleteRequest represents the arguments for letter_delete.
type DeleteRequest struct {
	ID string `json:"id"`
}

// ExportRequest represents the arguments for letter_export.
type ExportRequest struct {
	Path       string  `json:"path,omitempty"`
	Format     string  `json:"format,omitempty"`
	Type       *string `json:"type,omitempty"`
	OmitImages bool    `json:"omit_images,omitempty"`
}

// ImportRequest represents the arguments for letter_import.
type ImportRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// PDFRequest represents the arguments for letter_pdf.
type PDFRequest struct {
	ID       string `json:"id,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`
}

// UploadRequest represents the arguments for incoming_upload.
type UploadRequest struct {
	Path           string `json:"path"`
	ContentType    string `json:"content_type,omitempty"`
	IncludePreview bool   `json:"include_preview,omitempty"`
}

// CommitRequest represents the arguments for incoming_commit and
// outgoing_commit: corrections applied over the draft's fields.
type CommitRequest struct {
	mail.Patch
}

// GenerateRequest represents the arguments for outgoing_generate.
type GenerateRequest struct {
	mail.GenerationParams
}

// DraftOutput is a pipeline draft as returned to MCP clients. The preview
// is dropped unless asked for.
type DraftOutput struct {
	lifecycle.Draft
	HasPreview bool `json:"has_preview"`
}

// CommitOutput is the result of a commit tool.
type CommitOutput struct {
	ID     string       `json:"id"`
	Letter mail.Summary `json:"letter"`
}

// PDFOutput describes the PDF attached to a letter_pdf result.
type PDFOutput struct {
	Filename string `json:"filename"`
	Size     int    `json:"size"`
}

// Handler implementations

// HandleList handles the letter_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.List(ctx, h.store, ops.ListInput{
		Type:   input.Type,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleSearch handles the letter_search tool call.
func (h *Handlers) HandleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SearchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Search(ctx, h.store, ops.SearchInput{
		Query:  input.Query,
		Type:   input.Type,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleFetch handles the letter_fetch tool call.
func (h *Handlers) HandleFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FetchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Fetch(ctx, h.store, ops.FetchInput{
		ID:           input.ID,
		IncludeImage: input.IncludeImage,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleUpdate handles the letter_update tool call.
func (h *Handlers) HandleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[UpdateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Update(ctx, h.store, ops.UpdateInput{
		ID:    input.ID,
		Patch: input.Patch,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleDelete handles the letter_delete tool call.
func (h *Handlers) HandleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[DeleteRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Delete(ctx, h.store, ops.DeleteInput{ID: input.ID})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleExport handles the letter_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Export(ctx, h.store, h.cfg, ops.ExportInput{
		Path:       input.Path,
		Format:     input.Format,
		Type:       input.Type,
		OmitImages: input.OmitImages,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleImport handles the letter_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Import(ctx, h.store, h.cfg, ops.ImportInput{
		Path: input.Path,
		Mode: archive.ImportMode(input.Mode),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandlePDF handles the letter_pdf tool call. The PDF is returned as an
// embedded blob resource next to a JSON description.
func (h *Handlers) HandlePDF(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PDFRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	id := strings.TrimSpace(input.ID)
	pipeline := strings.TrimSpace(input.Pipeline)
	if (id == "") == (pipeline == "") {
		return errorResult(errors.NewInvalidRequest("specify exactly one of id or pipeline")), nil
	}

	var pdf lifecycle.PDF
	if id != "" {
		pdf, err = h.ctrl.RequestRecordPDF(ctx, id)
	} else {
		p, ok := lifecycle.ParsePipeline(pipeline)
		if !ok {
			return errorResult(errors.NewInvalidRequest(fmt.Sprintf("unknown pipeline: %q", pipeline))), nil
		}
		pdf, err = h.ctrl.RequestDraftPDF(ctx, p, h.ctrl.Snapshot(p).Fields)
	}
	if err != nil {
		return errorResult(err), nil
	}

	desc, err := json.Marshal(PDFOutput{Filename: pdf.Filename, Size: len(pdf.Data)})
	if err != nil {
		return errorResult(errors.NewInternal(err)), nil
	}
	return mcp.NewToolResultResource(string(desc), mcp.BlobResourceContents{
		URI:      "courrier://pdf/" + pdf.Filename,
		MIMEType: "application/pdf",
		Blob:     base64.StdEncoding.EncodeToString(pdf.Data),
	}), nil
}

// HandleIncomingUpload handles the incoming_upload tool call.
func (h *Handlers) HandleIncomingUpload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[UploadRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return errorResult(errors.NewInvalidRequest("path is required")), nil
	}

	data, err := ops.ReadUpload(input.Path, h.cfg)
	if err != nil {
		return errorResult(err), nil
	}

	file, ok := lifecycle.Supported(mail.Blob{
		Name:        filepath.Base(input.Path),
		ContentType: input.ContentType,
		Data:        data,
	})
	if !ok {
		return errorResult(errors.NewValidationRejected(file.ContentType)), nil
	}

	h.log.Info("mcp.incoming_upload", zap.String("name", file.Name), zap.Int("bytes", len(data)))
	return draftResult(h.ctrl.BeginUpload(ctx, file), input.IncludePreview)
}

// HandleIncomingCommit handles the incoming_commit tool call.
func (h *Handlers) HandleIncomingCommit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.commit(ctx, req, lifecycle.Incoming)
}

// HandleIncomingReset handles the incoming_reset tool call.
func (h *Handlers) HandleIncomingReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.reset(req, lifecycle.Incoming)
}

// HandleOutgoingGenerate handles the outgoing_generate tool call.
func (h *Handlers) HandleOutgoingGenerate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[GenerateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return errorResult(errors.NewInvalidRequest("prompt is required")), nil
	}

	return draftResult(h.ctrl.BeginGeneration(ctx, input.GenerationParams), false)
}

// HandleOutgoingCommit handles the outgoing_commit tool call.
func (h *Handlers) HandleOutgoingCommit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.commit(ctx, req, lifecycle.Outgoing)
}

// HandleOutgoingReset handles the outgoing_reset tool call.
func (h *Handlers) HandleOutgoingReset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.reset(req, lifecycle.Outgoing)
}

func (h *Handlers) commit(ctx context.Context, req mcp.CallToolRequest, p lifecycle.Pipeline) (*mcp.CallToolResult, error) {
	input, err := decode[CommitRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	rec, err := h.ctrl.CommitPatched(ctx, p, input.Patch)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(CommitOutput{ID: rec.ID, Letter: rec.ToSummary()})
}

func (h *Handlers) reset(req mcp.CallToolRequest, p lifecycle.Pipeline) (*mcp.CallToolResult, error) {
	if _, err := decode[struct{}](req); err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return draftResult(h.ctrl.Reset(p), false)
}

// Result helpers

// draftResult reports a settled draft. A failed attempt is an error result
// carrying the failure message.
func draftResult(d lifecycle.Draft, includePreview bool) (*mcp.CallToolResult, error) {
	if d.Phase == lifecycle.Failed {
		e := errors.NewServiceError(d.Error, nil)
		e.Details = map[string]any{"pipeline": d.Pipeline, "phase": d.Phase}
		return errorResult(e), nil
	}
	out := DraftOutput{Draft: d, HasPreview: d.Preview != ""}
	if !includePreview {
		out.Preview = ""
	}
	return successResult(out)
}

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if cErr, ok := errors.As(err); ok {
		msg := cErr.Message
		if err != error(cErr) {
			// Keep context added by wrappers.
			msg = strings.TrimSuffix(err.Error(), cErr.Error()) + cErr.Message
		}
		errorObj := map[string]any{
			"code":    cErr.Code,
			"message": msg,
			"status":  cErr.Status,
		}
		if cErr.Code != errors.ErrInternal && cErr.Details != nil {
			errorObj["details"] = cErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
