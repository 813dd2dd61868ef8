// ABOUTME: Attachment storage returning FileRefs for message bodies and avatars
// ABOUTME: Content addressed keys, sniffed content types, S3-compatible backend

package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"

	"github.com/2389/parlor-gateway/internal/store"
)

// Blob errors
var (
	ErrEmpty           = errors.New("blob: empty content")
	ErrTooLarge        = errors.New("blob: content exceeds size limit")
	ErrUnsupportedType = errors.New("blob: content type not allowed")
	ErrNotConfigured   = errors.New("blob: store is not configured")
)

// Metadata describes an upload. ContentType is a hint; the sniffed type wins
// unless sniffing finds nothing better than octet-stream.
type Metadata struct {
	Name        string
	ContentType string
}

// Store persists attachment bytes.
type Store interface {
	Store(ctx context.Context, r io.Reader, meta Metadata) (*store.FileRef, error)
}

// Limits bounds what uploads are accepted.
type Limits struct {
	MaxSize int64
	// AllowedTypes are content type prefixes such as "image/". Empty allows all.
	AllowedTypes []string
}

// prepared is an upload that passed validation.
type prepared struct {
	data        []byte
	key         string
	contentType string
}

func prepare(r io.Reader, meta Metadata, limits Limits) (*prepared, error) {
	if r == nil {
		return nil, ErrEmpty
	}
	limit := limits.MaxSize
	if limit <= 0 {
		limit = 10 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, limit)
	}

	detected := mimetype.Detect(data)
	contentType := detected.String()
	if detected.Is("application/octet-stream") && meta.ContentType != "" {
		contentType = meta.ContentType
	}
	if !allowed(contentType, limits.AllowedTypes) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	return &prepared{
		data:        data,
		key:         objectKey(data, detected.Extension()),
		contentType: contentType,
	}, nil
}

// objectKey derives a content-addressed key. Identical uploads share an object.
func objectKey(data []byte, ext string) string {
	sum := blake2b.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	return fmt.Sprintf("attachments/%s/%s%s", digest[:2], digest, ext)
}

func allowed(contentType string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(contentType, p) {
			return true
		}
	}
	return false
}

// NoopStore rejects every upload.
type NoopStore struct{}

func (NoopStore) Store(context.Context, io.Reader, Metadata) (*store.FileRef, error) {
	return nil, ErrNotConfigured
}

var _ Store = NoopStore{}
