//go:build windows

package ops

import (
	"os"

	"github.com/courrier-mg/courrier/internal/errors"
)

// openNoFollow opens path. Windows has no O_NOFOLLOW; ValidatePath has
// already rejected symlinks.
func openNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil && flag&(os.O_WRONLY|os.O_RDWR) == 0 && os.IsNotExist(err) {
		return nil, errors.NewFileNotFound(path)
	}
	return f, err
}
