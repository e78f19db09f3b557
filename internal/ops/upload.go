package ops

import (
	"fmt"
	"io"
	"os"

	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/errors"
)

// MaxUploadBytes caps a scan read from disk.
const MaxUploadBytes = 32 << 20

// ReadUpload reads a scan to ingest, subject to the same path rules as
// import: it must sit directly in an allowed directory unless
// AllowUnsafePaths is set, and must not be a symlink.
func ReadUpload(path string, cfg *config.Config) ([]byte, error) {
	if err := ValidatePath(path, PathCheckUpload, cfg); err != nil {
		return nil, err
	}

	file, err := openNoFollow(path, os.O_RDONLY, 0)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot read %s: %v", path, err))
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("cannot read %s: %v", path, err))
	}
	if len(data) > MaxUploadBytes {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("file exceeds %d MB", MaxUploadBytes>>20))
	}
	return data, nil
}
