package ops

import (
	"context"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/mail"
)

// ListInput contains parameters for the List operation.
type ListInput struct {
	Type   *string // optional filter: entrant/incoming or sortant/outgoing
	Limit  int     // default: 20, max: 100
	Offset int     // default: 0
}

// ListOutput contains the result of the List operation.
type ListOutput struct {
	Items      []mail.Summary `json:"items"`
	Pagination Pagination     `json:"pagination"`
	Sort       string         `json:"sort"`
}

// List returns letter summaries, newest first, with pagination.
func List(ctx context.Context, store *archive.Store, input ListInput) (*ListOutput, error) {
	t, err := parseTypeFilter(input.Type)
	if err != nil {
		return nil, err
	}

	records, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	page, pagination := paginate(filterType(records, t), input.Limit, input.Offset)
	return &ListOutput{
		Items:      summarize(page),
		Pagination: pagination,
		Sort:       "created_at_desc",
	}, nil
}
