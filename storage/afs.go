package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// AFSStore is a Store over an abstract file system location: a local
// directory (file://), memory (mem://) or a cloud bucket (s3://, gs://).
type AFSStore struct {
	fs   afs.Service
	base string
}

// NewAFSStore creates a store rooted at baseURL. Plain paths are treated
// as local directories.
func NewAFSStore(fs afs.Service, baseURL string) *AFSStore {
	if fs == nil {
		fs = afs.New()
	}
	if url.Scheme(baseURL, "") == "" {
		baseURL = url.Normalize(baseURL, file.Scheme)
	}
	return &AFSStore{fs: fs, base: strings.TrimRight(baseURL, "/")}
}

// BaseURL returns the store root.
func (s *AFSStore) BaseURL() string {
	return s.base
}

// URL returns the location of key.
func (s *AFSStore) URL(key string) string {
	return url.Join(s.base, key)
}

// Get downloads the document stored under key.
func (s *AFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}
	location := s.URL(key)
	ok, err := s.fs.Exists(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Put uploads doc under key, creating parent folders as needed.
func (s *AFSStore) Put(ctx context.Context, key string, doc []byte) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if err := s.fs.Upload(ctx, s.URL(key), file.DefaultFileOsMode, bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *AFSStore) Delete(ctx context.Context, key string) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	location := s.URL(key)
	ok, err := s.fs.Exists(ctx, location)
	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	if err := s.fs.Delete(ctx, location); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List walks the store root and returns the file keys starting with prefix.
func (s *AFSStore) List(ctx context.Context, prefix string) ([]string, error) {
	ok, err := s.fs.Exists(ctx, s.base)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", s.base, err)
	}
	if !ok {
		return nil, nil
	}

	var keys []string
	err = s.fs.Walk(ctx, s.base, func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (bool, error) {
		if info == nil || info.IsDir() {
			return true, nil
		}
		key := path.Join(strings.Trim(parent, "/"), info.Name())
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.base, err)
	}
	slices.Sort(keys)
	return keys, nil
}
