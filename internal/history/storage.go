package history

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrCaptureNotFound is returned when a frame is not in storage
var ErrCaptureNotFound = errors.New("capture not found")

// Storage holds captured label frames by name
type Storage interface {
	Save(name string, data []byte) error
	Get(name string) ([]byte, error)
	// Delete is a no-op for frames that are already gone
	Delete(name string) error
}

// LocalStorage keeps frames as flat files in one directory
type LocalStorage struct {
	dir string
}

func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating capture directory: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

// resolve rejects anything that is not a bare file name
func (l *LocalStorage) resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid capture name: %q", name)
	}
	return filepath.Join(l.dir, name), nil
}

func (l *LocalStorage) Save(name string, data []byte) error {
	p, err := l.resolve(name)
	if err != nil {
		return err
	}
	// write then rename so a reader never sees a partial frame
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing capture: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing capture: %w", err)
	}
	return nil
}

func (l *LocalStorage) Get(name string) ([]byte, error) {
	p, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrCaptureNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading capture: %w", err)
	}
	return data, nil
}

func (l *LocalStorage) Delete(name string) error {
	p, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting capture: %w", err)
	}
	return nil
}
