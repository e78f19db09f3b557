// Package client talks to the OCR/AI backend: structured extraction from a
// scanned letter, generation of an outgoing letter, and PDF rendering.
// Every failure, whether the backend answered non-2xx or could not be
// reached, comes back as a single SERVICE_ERROR whose message is meant for
// the user. There are no retries.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/logger"
	"github.com/courrier-mg/courrier/internal/mail"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 64 << 20

// Config configures a Client.
type Config struct {
	// BaseURL is the backend API root, e.g. http://localhost:8000/api.
	BaseURL string
	// Timeout bounds each call. Zero leaves it to the transport.
	Timeout time.Duration
	// FlattenBody converts markdown in generated bodies to plain text.
	FlattenBody bool
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the HTTP adapter for the backend.
type Client struct {
	baseURL     string
	http        *http.Client
	flattenBody bool
	log         *zap.Logger
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        hc,
		flattenBody: cfg.FlattenBody,
		log:         logger.OrNop(cfg.Logger),
	}
}

// Extract sends an image to POST /extract and returns the fields the
// backend found. Fields it did not find are nil.
func (c *Client) Extract(ctx context.Context, img mail.Blob) (mail.ResponseFields, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(img.Name)))
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return mail.ResponseFields{}, errors.NewInternal(err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return mail.ResponseFields{}, errors.NewInternal(err)
	}
	if err := mw.Close(); err != nil {
		return mail.ResponseFields{}, errors.NewInternal(err)
	}

	raw, err := c.do(ctx, "extract", "/extract", mw.FormDataContentType(), &body, "backend error")
	if err != nil {
		return mail.ResponseFields{}, err
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return mail.ResponseFields{}, errors.NewServiceError("backend returned malformed JSON", err)
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	fields, err := mail.ParseResponse(data)
	if err != nil {
		return mail.ResponseFields{}, errors.NewServiceError("backend returned an invalid letter", err)
	}
	return fields, nil
}

// Generate sends drafting parameters to POST /generate-content.
func (c *Client) Generate(ctx context.Context, params mail.GenerationParams) (mail.ResponseFields, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return mail.ResponseFields{}, errors.NewInternal(err)
	}

	raw, err := c.do(ctx, "generate", "/generate-content", "application/json", bytes.NewReader(payload), "generation error")
	if err != nil {
		return mail.ResponseFields{}, err
	}

	fields, err := mail.ParseResponse(raw)
	if err != nil {
		return mail.ResponseFields{}, errors.NewServiceError("generation service returned an invalid letter", err)
	}
	if c.flattenBody && fields.Body != nil {
		plain := mail.PlainBody(*fields.Body)
		fields.Body = &plain
	}
	return fields, nil
}

// RenderPDF sends a complete field set to POST /generate-pdf and returns
// the PDF bytes.
func (c *Client) RenderPDF(ctx context.Context, f mail.Fields) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	raw, err := c.do(ctx, "pdf", "/generate-pdf", "application/json", bytes.NewReader(payload), "PDF generation error")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.NewServiceError("PDF generation error: empty document", nil)
	}
	return raw, nil
}

// do POSTs body to path and returns the response body of a 2xx answer.
// fallback prefixes the status text when the backend gives no detail.
func (c *Client) do(ctx context.Context, op, path, contentType string, body io.Reader, fallback string) ([]byte, error) {
	url := c.baseURL + path
	reqID := uuid.New().String()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		c.log.Error("client."+op+".build_request_error", zap.String("req_id", reqID), zap.Error(err))
		return nil, errors.NewServiceError(fmt.Sprintf("invalid backend URL %q", url), err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json, application/pdf")
	req.Header.Set("X-Request-ID", reqID)

	c.log.Info("client."+op+".request", zap.String("req_id", reqID), zap.String("url", url))

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("client."+op+".send_error",
			zap.String("req_id", reqID),
			zap.Error(err),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		)
		if ctx.Err() != nil {
			return nil, errors.NewServiceError(fmt.Sprintf("request to backend cancelled: %v", ctx.Err()), err)
		}
		return nil, errors.NewServiceError(fmt.Sprintf("unable to reach backend at %s", c.baseURL), err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Warn("client."+op+".response_body_close_error", zap.String("req_id", reqID), zap.Error(err))
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.NewServiceError("failed to read backend response", err)
	}

	c.log.Info("client."+op+".response",
		zap.String("req_id", reqID),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)

	if resp.StatusCode/100 != 2 {
		msg := detailMessage(raw)
		if msg == "" {
			msg = fmt.Sprintf("%s: %s", fallback, statusText(resp))
		}
		return nil, &errors.CourrierError{
			Code:    errors.ErrServiceError,
			Status:  502,
			Message: msg,
			Details: map[string]any{"status": resp.StatusCode, "req_id": reqID},
		}
	}
	return raw, nil
}

// detailMessage extracts the "detail" member of an error body. Non-string
// details (validation error lists) are returned as compact JSON.
func detailMessage(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(body.Detail), []byte("null")) {
		return ""
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body.Detail); err != nil {
		return ""
	}
	return compact.String()
}

func statusText(resp *http.Response) string {
	if t := http.StatusText(resp.StatusCode); t != "" {
		return t
	}
	return resp.Status
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
