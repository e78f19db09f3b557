package ops

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/mail"
)

// Search limits
const (
	MaxQueryLength  = 500
	MaxSnippetChars = 120
)

// SearchInput contains parameters for the Search operation.
type SearchInput struct {
	Query  string  // blank matches everything
	Type   *string // optional filter
	Limit  int     // default: 20, max: 100
	Offset int     // default: 0
}

// SearchResultItem wraps a summary with the text around the first match.
type SearchResultItem struct {
	mail.Summary
	MatchedField string `json:"matched_field,omitempty"`
	Snippet      string `json:"snippet,omitempty"`
}

// SearchOutput contains the result of the Search operation.
type SearchOutput struct {
	Items      []SearchResultItem `json:"items"`
	Pagination Pagination         `json:"pagination"`
	Query      string             `json:"query"`
	Sort       string             `json:"sort"`
}

// Search filters the archive with a case-insensitive substring match on
// subject, letter number, sender and receiver. Results keep archive order.
func Search(ctx context.Context, store *archive.Store, input SearchInput) (*SearchOutput, error) {
	query := strings.TrimSpace(input.Query)
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("query exceeds maximum length of %d characters", MaxQueryLength))
	}
	t, err := parseTypeFilter(input.Type)
	if err != nil {
		return nil, err
	}

	records, err := store.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	page, pagination := paginate(filterType(records, t), input.Limit, input.Offset)
	items := make([]SearchResultItem, len(page))
	for i := range page {
		items[i] = SearchResultItem{Summary: page[i].ToSummary()}
		if query != "" {
			items[i].MatchedField, items[i].Snippet = snippet(page[i], query)
		}
	}

	return &SearchOutput{
		Items:      items,
		Pagination: pagination,
		Query:      query,
		Sort:       "created_at_desc",
	}, nil
}

// snippet returns the first searched field containing q and the text
// around the match.
func snippet(r mail.Record, q string) (field, text string) {
	candidates := []struct{ name, value string }{
		{"subject", r.Subject},
		{"letterNumber", r.LetterNumber},
		{"senderService", r.SenderService},
		{"receiverService", r.ReceiverService},
	}
	lq := []rune(strings.ToLower(q))
	for _, c := range candidates {
		runes := []rune(c.value)
		idx := runeIndexFold(runes, lq)
		if idx < 0 {
			continue
		}
		if len(runes) <= MaxSnippetChars {
			return c.name, c.value
		}
		start := max(idx-(MaxSnippetChars-len(lq))/2, 0)
		end := min(start+MaxSnippetChars, len(runes))
		start = max(end-MaxSnippetChars, 0)
		out := string(runes[start:end])
		if start > 0 {
			out = "…" + out
		}
		if end < len(runes) {
			out += "…"
		}
		return c.name, out
	}
	return "", ""
}

// runeIndexFold finds lowerNeedle in haystack, comparing case-insensitively
// rune by rune so the index stays valid for slicing.
func runeIndexFold(haystack, lowerNeedle []rune) int {
	lower := []rune(strings.ToLower(string(haystack)))
	if len(lower) != len(haystack) {
		if strings.Contains(string(lower), string(lowerNeedle)) {
			return 0
		}
		return -1
	}
	for i := 0; i+len(lowerNeedle) <= len(lower); i++ {
		if string(lower[i:i+len(lowerNeedle)]) == string(lowerNeedle) {
			return i
		}
	}
	return -1
}
