package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage keeps objects as files under a root directory, for
// development and single-node installs.
//
// Writes go to a temporary file in the destination directory and are moved
// into place once complete, so a reader never observes a half-written asset.
type LocalStorage struct {
	root    string
	baseURL string
	logger  *slog.Logger
}

// NewLocalStorage creates the root directory if needed.
func NewLocalStorage(cfg LocalConfig, logger *slog.Logger) (*LocalStorage, error) {
	root, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %q: %w", cfg.BasePath, err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	s := &LocalStorage{
		root:    root,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger.With("storage", ProviderLocal),
	}
	s.logger.Info("Local storage ready", "root", root, "base_url", s.baseURL)
	return s, nil
}

// Put writes data to key. Without opts.Overwrite the final step is a hard
// link, which fails atomically when the key is already taken.
func (s *LocalStorage) Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.filePath(key)
	if err != nil {
		return &StorageError{Op: "Put", Key: key, Err: err}
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &StorageError{Op: "Put", Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return &StorageError{Op: "Put", Key: key, Err: err}
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, capReader(data, opts.MaxSize))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &StorageError{Op: "Put", Key: key, Err: err}
	}

	if opts.Overwrite {
		err = os.Rename(tmp.Name(), dst)
	} else {
		err = os.Link(tmp.Name(), dst)
		if errors.Is(err, fs.ErrExist) {
			err = ErrKeyExists
		}
	}
	if err != nil {
		return &StorageError{Op: "Put", Key: key, Err: err}
	}

	s.logger.Debug("Stored object", "key", key, "bytes", n, "content_type", DetectContentType(opts.ContentType, key))
	return nil
}

// Get opens the file behind key. The content type comes from the key's
// extension since the filesystem keeps no metadata.
func (s *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	src, err := s.filePath(key)
	if err != nil {
		return nil, ObjectInfo{}, &StorageError{Op: "Get", Key: key, Err: err}
	}

	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ObjectInfo{}, &StorageError{Op: "Get", Key: key, Err: ErrNotFound}
	}
	if err != nil {
		return nil, ObjectInfo{}, &StorageError{Op: "Get", Key: key, Err: err}
	}

	st, err := f.Stat()
	if err == nil && st.IsDir() {
		err = ErrNotFound
	}
	if err != nil {
		f.Close()
		return nil, ObjectInfo{}, &StorageError{Op: "Get", Key: key, Err: err}
	}

	return f, ObjectInfo{
		Key:          key,
		Size:         st.Size(),
		ContentType:  DetectContentType("", key),
		LastModified: st.ModTime(),
	}, nil
}

// Delete removes the file behind key. Missing files are not an error.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.filePath(key)
	if err != nil {
		return &StorageError{Op: "Delete", Key: key, Err: err}
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StorageError{Op: "Delete", Key: key, Err: err}
	}
	s.logger.Debug("Deleted object", "key", key)
	return nil
}

// URL joins the base URL and key. Local URLs never expire.
func (s *LocalStorage) URL(ctx context.Context, key string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := checkKey(key); err != nil {
		return "", &StorageError{Op: "URL", Key: key, Err: err}
	}
	return s.baseURL + "/" + key, nil
}

// filePath maps a key onto the filesystem. checkKey rules out traversal, so
// the result always sits under root.
func (s *LocalStorage) filePath(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
