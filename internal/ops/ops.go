package ops

import (
	"fmt"
	"strings"

	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/mail"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// paginate clamps limit/offset and returns the requested window of items.
func paginate[T any](items []T, limit, offset int) ([]T, Pagination) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset = max(offset, 0)

	total := len(items)
	start := min(offset, total)
	end := min(start+limit, total)

	page := make([]T, 0, end-start)
	page = append(page, items[start:end]...)
	return page, Pagination{
		Limit:   limit,
		Offset:  offset,
		HasMore: end < total,
		Total:   total,
	}
}

// ValidateID trims id and rejects empty values.
func ValidateID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.NewInvalidRequest("id is required")
	}
	return id, nil
}

// parseTypeFilter turns an optional type filter into a DocType. Nil or
// blank means no filter.
func parseTypeFilter(s *string) (*mail.DocType, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := mail.ParseDocType(*s)
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid type: %q", *s))
	}
	return &t, nil
}

func filterType(records []mail.Record, t *mail.DocType) []mail.Record {
	if t == nil {
		return records
	}
	out := records[:0:0]
	for _, r := range records {
		if r.Type == *t {
			out = append(out, r)
		}
	}
	return out
}

func summarize(records []mail.Record) []mail.Summary {
	out := make([]mail.Summary, len(records))
	for i := range records {
		out[i] = records[i].ToSummary()
	}
	return out
}
