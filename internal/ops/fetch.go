package ops

import (
	"context"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/mail"
)

// FetchInput contains parameters for the Fetch operation.
type FetchInput struct {
	ID           string
	IncludeImage bool // default: false, the image is usually the bulk of a record
}

// FetchOutput contains the result of the Fetch operation.
type FetchOutput struct {
	mail.Record      // embedded (copy, not pointer)
	Urgent      bool `json:"urgent"`
	HasImage    bool `json:"hasImage"`
}

// Fetch retrieves a single letter by id.
func Fetch(ctx context.Context, store *archive.Store, input FetchInput) (*FetchOutput, error) {
	id, err := ValidateID(input.ID)
	if err != nil {
		return nil, err
	}

	r, ok, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewNotFound(id)
	}

	output := &FetchOutput{
		Record:   r,
		Urgent:   r.Urgent(),
		HasImage: r.ImageData != "",
	}
	if !input.IncludeImage {
		output.ImageData = ""
	}
	return output, nil
}
