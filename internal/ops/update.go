package ops

import (
	"context"

	"github.com/courrier-mg/courrier/internal/archive"
	"github.com/courrier-mg/courrier/internal/errors"
	"github.com/courrier-mg/courrier/internal/mail"
)

// UpdateInput contains parameters for the Update operation.
type UpdateInput struct {
	ID string

	// Editable fields (nil = don't change)
	mail.Patch
}

// UpdateOutput contains the result of the Update operation.
type UpdateOutput struct {
	ID     string       `json:"id"`
	Letter mail.Summary `json:"letter"`
}

// Update edits the text fields of an archived letter. The id, type,
// creation time and image never change.
func Update(ctx context.Context, store *archive.Store, input UpdateInput) (*UpdateOutput, error) {
	id, err := ValidateID(input.ID)
	if err != nil {
		return nil, err
	}

	// Validate at least one editable field is provided
	if input.Patch.IsEmpty() {
		return nil, errors.NewInvalidRequest("at least one editable field must be provided")
	}

	ok, err := store.Update(ctx, id, input.Patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewNotFound(id)
	}

	r, ok, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewNotFound(id)
	}
	return &UpdateOutput{ID: id, Letter: r.ToSummary()}, nil
}
