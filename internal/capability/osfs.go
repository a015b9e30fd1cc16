package capability

import (
	"io"
	"os"
	"path/filepath"
)

// OSFilesystem is the default Filesystem backed by the real OS filesystem.
type OSFilesystem struct{}

func NewOSFilesystem() OSFilesystem { return OSFilesystem{} }

func (OSFilesystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSFilesystem) OpenRead(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (OSFilesystem) FileName(path string) string {
	return filepath.Base(path)
}

func (OSFilesystem) DirectoryList(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
