package ops

import (
	"context"

	"github.com/courrier-mg/courrier/internal/archive"
)

// DeleteInput contains parameters for the Delete operation.
type DeleteInput struct {
	ID string
}

// DeleteOutput contains the result of the Delete operation.
type DeleteOutput struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

// Delete removes a letter from the archive. Deleting an id that is not
// there succeeds with Deleted=false and leaves the archive untouched.
func Delete(ctx context.Context, store *archive.Store, input DeleteInput) (*DeleteOutput, error) {
	id, err := ValidateID(input.ID)
	if err != nil {
		return nil, err
	}

	removed, err := store.Remove(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DeleteOutput{Deleted: removed, ID: id}, nil
}
