package ops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/courrier-mg/courrier/internal/config"
	"github.com/courrier-mg/courrier/internal/errors"
)

func TestReadUpload_OutsideAllowedDirRejected(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := config.DefaultConfig()

	path := filepath.Join(t.TempDir(), "scan.png")
	if err := os.WriteFile(path, []byte("\x89PNG"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := ReadUpload(path, cfg)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got: %v", err)
	}
}

func TestReadUpload_AllowedPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{dir}

	for _, name := range []string{"scan.png", "courrier.pdf", "scan-sans-extension"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(name), 0600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		data, err := ReadUpload(path, cfg)
		if err != nil {
			t.Fatalf("ReadUpload(%s) error = %v", name, err)
		}
		if string(data) != name {
			t.Errorf("ReadUpload(%s) = %q", name, data)
		}
	}
}

func TestReadUpload_Rejections(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true

	if _, err := ReadUpload(filepath.Join(dir, "missing.png"), cfg); !errors.Is(err, errors.ErrFileNotFound) {
		t.Errorf("missing file: expected ErrFileNotFound, got: %v", err)
	}

	if _, err := ReadUpload("../scan.png", cfg); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("traversal: expected ErrInvalidRequest, got: %v", err)
	}

	target := filepath.Join(dir, "real.png")
	if err := os.WriteFile(target, []byte("\x89PNG"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	link := filepath.Join(dir, "link.png")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := ReadUpload(link, cfg); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("symlink: expected ErrInvalidRequest, got: %v", err)
	}
}
