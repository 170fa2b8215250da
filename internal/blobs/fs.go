package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps blobs under dir/<ref[:2]>/<ref>.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(ref string) string {
	return filepath.Join(f.dir, ref[:2], ref)
}

func (f *FileStore) Put(_ context.Context, data []byte) (string, error) {
	ref := Ref(data)
	target := f.path(ref)
	if _, err := os.Stat(target); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("creating blob shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ref+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("committing blob: %w", err)
	}
	return ref, nil
}

func (f *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

func (f *FileStore) Delete(_ context.Context, ref string) error {
	if err := validRef(ref); err != nil {
		return err
	}
	err := os.Remove(f.path(ref))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}
