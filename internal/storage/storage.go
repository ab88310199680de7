// Package storage defines the interface for object storage operations.
// Swap implementations by changing the concrete type injected at startup —
// MinioStorage works with any S3-compatible provider, S3Storage talks to AWS S3
// (or a compatible endpoint) through the AWS SDK.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Object is a remote object opened for reading. Body must be closed by the caller.
type Object struct {
	Key         string
	Size        int64
	ContentType string
	Body        io.ReadCloser
}

// Storage is the interface for uploading, fetching and deleting objects.
// Implementations hold no request-scoped state and are safe for concurrent use.
type Storage interface {
	// PutFile streams the local file at localPath to the store under key and
	// returns the object's public URL.
	PutFile(ctx context.Context, localPath, key string) (string, error)
	// Get opens the object stored under key. It returns ErrNotFound when the
	// object does not exist.
	Get(ctx context.Context, key string) (*Object, error)
	// Delete removes the object identified by key. Deleting an absent object
	// succeeds.
	Delete(ctx context.Context, key string) error
	// PublicURL constructs the browser-accessible URL for a given key.
	PublicURL(key string) string
}

// Options configures a storage backend.
type Options struct {
	Endpoint   string // host[:port] or full URL; empty uses the AWS default resolver (S3 only)
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	UseSSL     bool
	PublicBase string // empty derives the base from endpoint or bucket and region
}

// endpointURL returns Endpoint with a scheme.
func (o Options) endpointURL() string {
	if o.Endpoint == "" || strings.Contains(o.Endpoint, "://") {
		return o.Endpoint
	}
	if o.UseSSL {
		return "https://" + o.Endpoint
	}
	return "http://" + o.Endpoint
}

// publicBase returns the configured public base, or the virtual-hosted AWS
// URL when no endpoint is set, or the path-style endpoint URL otherwise.
func (o Options) publicBase() string {
	if o.PublicBase != "" {
		return strings.TrimRight(o.PublicBase, "/")
	}
	if o.Endpoint == "" {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", o.Bucket, o.Region)
	}
	return strings.TrimRight(o.endpointURL(), "/") + "/" + o.Bucket
}

// detectContentType sniffs the MIME type from the first bytes of a file.
func detectContentType(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect content type of %q: %w", path, err)
	}
	return mt.String(), nil
}
