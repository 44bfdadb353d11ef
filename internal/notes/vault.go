package notes

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Vault is the document store notes are written into. Paths are
// vault-relative, slash-separated.
type Vault interface {
	Exists(path string) (bool, error)
	Read(path string) (string, error)
	Create(path string, content string) error
	Modify(path string, content string) error
}

// FSVault stores notes under a root directory. Writes go through a temp
// file and rename, so a crash mid-write can never leave a half-written
// note behind.
type FSVault struct {
	root string
}

func NewFSVault(root string) *FSVault {
	return &FSVault{root: root}
}

func (v *FSVault) Root() string {
	return v.root
}

func (v *FSVault) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty note path")
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("note path %q escapes vault", path)
	}
	return filepath.Join(v.root, clean), nil
}

func (v *FSVault) Exists(path string) (bool, error) {
	target, err := v.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat note %s: %w", path, err)
	}
	return true, nil
}

func (v *FSVault) Read(path string) (string, error) {
	target, err := v.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("read note %s: %w", path, err)
	}
	return string(data), nil
}

func (v *FSVault) Create(path string, content string) error {
	return v.write(path, content)
}

func (v *FSVault) Modify(path string, content string) error {
	return v.write(path, content)
}

func (v *FSVault) write(path string, content string) error {
	target, err := v.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create note dir for %s: %w", path, err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("write note %s: %w", path, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit note %s: %w", path, err)
	}
	return nil
}
