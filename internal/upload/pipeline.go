package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/studiolink/chat-backend/internal/models"
)

// MaxFileSize is the upload ceiling. Files larger than this are rejected
// before any network call.
const MaxFileSize = 50 << 20 // 50 MB

// DefaultURLTTL is how long signed retrieval URLs stay valid. The backing
// bucket is private, so attachments are served through signed links; a
// long validity stands in for per-request access checks.
const DefaultURLTTL = 365 * 24 * time.Hour

var (
	// ErrInvalidType means the file's MIME type is not on the allow-list.
	ErrInvalidType = errors.New("unsupported file type")

	// ErrTooLarge means the file exceeds MaxFileSize.
	ErrTooLarge = errors.New("file exceeds size limit")

	// ErrStoreUnavailable wraps object-store failures.
	ErrStoreUnavailable = errors.New("object store unavailable")
)

// allowedTypes maps accepted MIME types to the message kind they produce.
var allowedTypes = map[string]models.MessageKind{
	"image/jpeg":    models.KindImage,
	"image/png":     models.KindImage,
	"image/gif":     models.KindImage,
	"image/webp":    models.KindImage,
	"image/svg+xml": models.KindImage,

	"audio/mpeg": models.KindAudio,
	"audio/mp4":  models.KindAudio,
	"audio/ogg":  models.KindAudio,
	"audio/wav":  models.KindAudio,
	"audio/webm": models.KindAudio,

	"application/pdf":    models.KindDocument,
	"application/msword": models.KindDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": models.KindDocument,
	"application/vnd.ms-excel": models.KindDocument,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": models.KindDocument,
	"application/zip": models.KindDocument,
	"text/plain":      models.KindDocument,
}

// KindForMIME returns the message kind an accepted MIME type maps to.
func KindForMIME(contentType string) (models.MessageKind, bool) {
	// Strip parameters such as "; charset=utf-8".
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = parsed
	}
	kind, ok := allowedTypes[strings.ToLower(contentType)]
	return kind, ok
}

// BlobStore is the object-storage collaborator: store a blob under a key,
// then mint a time-bounded signed retrieval URL for it.
type BlobStore interface {
	Upload(ctx context.Context, key, contentType string, r io.Reader) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// File describes one binary to upload.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Reader      io.Reader
}

// Result is what Submit hands back on success. The caller constructs the
// file message from it; the pipeline itself never creates message records.
type Result struct {
	File models.FileRef
	Kind models.MessageKind
}

// Pipeline validates and uploads attachments, returning a signed file
// reference. Each Submit call is independent; the pipeline holds no
// mutable state across jobs.
type Pipeline struct {
	store    BlobStore
	maxBytes int64
	urlTTL   time.Duration
	now      func() time.Time
}

// NewPipeline creates a Pipeline over the given object store. Zero values
// for maxBytes and urlTTL select MaxFileSize and DefaultURLTTL.
func NewPipeline(store BlobStore, maxBytes int64, urlTTL time.Duration) *Pipeline {
	if maxBytes <= 0 {
		maxBytes = MaxFileSize
	}
	if urlTTL <= 0 {
		urlTTL = DefaultURLTTL
	}
	return &Pipeline{
		store:    store,
		maxBytes: maxBytes,
		urlTTL:   urlTTL,
		now:      time.Now,
	}
}

// Submit validates the file, uploads it under a key scoped to the owner and
// conversation, and returns a signed reference. Validation failures
// short-circuit before any store call.
func (p *Pipeline) Submit(ctx context.Context, f File, conversationID, ownerID string) (*Result, error) {
	kind, ok := KindForMIME(f.ContentType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, f.ContentType)
	}
	if f.Size > p.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, f.Size, p.maxBytes)
	}

	key := p.storageKey(f, conversationID, ownerID)

	if err := p.store.Upload(ctx, key, f.ContentType, io.LimitReader(f.Reader, p.maxBytes)); err != nil {
		return nil, fmt.Errorf("%w: upload %s: %v", ErrStoreUnavailable, key, err)
	}

	url, err := p.store.SignedURL(ctx, key, p.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: sign %s: %v", ErrStoreUnavailable, key, err)
	}

	log.Printf("[Upload] Stored %s (%d bytes, %s) as %s", f.Name, f.Size, kind, key)

	return &Result{
		File: models.FileRef{URL: url, Name: f.Name},
		Kind: kind,
	}, nil
}

// storageKey namespaces blobs by owner and conversation to avoid collisions
// and scope access: ownerID/conversationID/timestamp.ext
func (p *Pipeline) storageKey(f File, conversationID, ownerID string) string {
	ext := strings.ToLower(filepath.Ext(f.Name))
	if ext == "" {
		if exts, err := mime.ExtensionsByType(f.ContentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return fmt.Sprintf("%s/%s/%d%s", ownerID, conversationID, p.now().UnixNano(), ext)
}
