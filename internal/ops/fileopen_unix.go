//go:build !windows

package ops

import (
	stderrors "errors"
	"os"
	"syscall"

	"github.com/courrier-mg/courrier/internal/errors"
)

// openNoFollow opens path refusing a symlink as its last component.
// Parent directories are covered by ValidatePath, which only admits files
// sitting directly in an allowed directory.
func openNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	fd, err := syscall.Open(path, flag|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, uint32(perm))
	switch {
	case err == nil:
		return os.NewFile(uintptr(fd), path), nil
	case stderrors.Is(err, syscall.ELOOP):
		return nil, errors.NewInvalidRequest("refusing to follow symlink: " + path)
	case flag&(os.O_WRONLY|os.O_RDWR) == 0 && stderrors.Is(err, syscall.ENOENT):
		return nil, errors.NewFileNotFound(path)
	default:
		return nil, err
	}
}
