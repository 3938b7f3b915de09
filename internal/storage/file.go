package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileStore implements Store on the local filesystem. Each kind becomes a
// subdirectory of the root and each key a file inside it. WriteAtomic uses
// a temp file plus rename so readers never observe a torn summary.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) path(kind, key string) string {
	return filepath.Join(s.root, kind, key)
}

func (s *FileStore) ensureKindDir(kind string) error {
	return os.MkdirAll(filepath.Join(s.root, kind), 0755)
}

func (s *FileStore) Read(kind, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(kind, key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) WriteAtomic(kind, key string, data []byte) error {
	if err := s.ensureKindDir(kind); err != nil {
		return err
	}

	dir := filepath.Join(s.root, kind)
	tmp, err := os.CreateTemp(dir, key+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, s.path(kind, key)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FileStore) Append(kind, key string, data []byte) error {
	if err := s.ensureKindDir(kind); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path(kind, key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (s *FileStore) Exists(kind, key string) (bool, error) {
	_, err := os.Stat(s.path(kind, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) List(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, kind))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

func (s *FileStore) Delete(kind, key string) error {
	err := os.Remove(s.path(kind, key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}
