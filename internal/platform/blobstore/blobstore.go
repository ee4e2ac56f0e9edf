// Package blobstore provides key-addressed object storage for evidence files.
// It defines the BlobStore interface, an in-memory backend for tests and
// development, a local filesystem backend, and batch helpers used by callers
// that need all-or-nothing upload semantics.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrInvalidKey         = errors.New("invalid object key")
)

// MaxFileSize is the maximum allowed object size in bytes (25 MB).
const MaxFileSize = 25 * 1024 * 1024

// AllowedContentTypes lists the MIME types accepted as billing evidence.
var AllowedContentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/heic":      true,
	"application/pdf": true,
	"text/plain":      true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// File is one upload request for UploadMany. Size is the length declared by
// the client; zero means unknown.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Check rejects a file that UploadMany would refuse, without reading it.
func (f File) Check() error {
	if !AllowedContentTypes[f.ContentType] {
		return fmt.Errorf("%s: %w", f.Name, ErrInvalidContentType)
	}
	if f.Size > MaxFileSize {
		return fmt.Errorf("%s: %w", f.Name, ErrFileTooLarge)
	}
	return nil
}

// Uploaded pairs a submitted file with the object it produced.
type Uploaded struct {
	Name string
	Object
}

// BlobStore is the contract for object storage backends.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects absolute keys and keys that escape their prefix.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	if path.Clean(key) != key || strings.HasPrefix(key, "../") || key == ".." {
		return ErrInvalidKey
	}
	return nil
}

// readLimited reads content into memory, failing once MaxFileSize is exceeded.
func readLimited(content io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func hashOf(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	object  Object
	content []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryBlobStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}

	obj := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hashOf(data),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{object: obj, content: data}
	s.mu.Unlock()

	return &obj, nil
}

func (s *InMemoryBlobStore) Open(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := blob.object
	return io.NopCloser(bytes.NewReader(blob.content)), &obj, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// Keys returns the stored keys under prefix.
func (s *InMemoryBlobStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// ---------------------------------------------------------------------------
// Batch helpers
// ---------------------------------------------------------------------------

// UploadMany stores every file under prefix with at most concurrency uploads
// in flight. keyFor derives the object key from the prefix and file name.
// It returns the files that were stored, in submission order, together with
// the joined errors of those that were not; callers compare the counts.
func UploadMany(ctx context.Context, store BlobStore, prefix string, files []File, concurrency int, keyFor func(prefix, name string) string) ([]Uploaded, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]*Uploaded, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := f.Check(); err != nil {
				errs[i] = err
				return nil
			}
			rc, err := f.Open()
			if err != nil {
				errs[i] = fmt.Errorf("%s: open: %w", f.Name, err)
				return nil
			}
			defer rc.Close()

			obj, err := store.Put(ctx, keyFor(prefix, f.Name), f.ContentType, rc)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", f.Name, err)
				return nil
			}
			results[i] = &Uploaded{Name: f.Name, Object: *obj}
			return nil
		})
	}
	_ = g.Wait()

	uploaded := make([]Uploaded, 0, len(files))
	for _, r := range results {
		if r != nil {
			uploaded = append(uploaded, *r)
		}
	}
	return uploaded, errors.Join(errs...)
}

// DeleteMany removes every key, continuing past failures. Missing keys are
// not errors. The returned error joins the failures.
func DeleteMany(ctx context.Context, store BlobStore, keys []string) error {
	var errs []error
	for _, k := range keys {
		if err := store.Delete(ctx, k); err != nil && !errors.Is(err, ErrBlobNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
