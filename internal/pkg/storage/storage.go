package storage

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Storage is a key addressed object store. Objects are small enough
// (generated images, uploads up to a few MiB) to be passed as byte slices.
type Storage interface {
	// Put stores data at key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the object stored at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Returns nil if it does not exist.
	Delete(ctx context.Context, key string) error

	// GetURL returns the public URL of key.
	GetURL(key string) string
}

// Config selects and configures a backend.
type Config struct {
	Driver string // r2, s3, local

	R2 R2Config

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	LocalPath string
	LocalURL  string
}

// New builds the backend named by cfg.Driver.
func New(cfg Config) (Storage, error) {
	switch cfg.Driver {
	case "r2":
		return NewR2Storage(cfg.R2)
	case "s3":
		return NewS3Storage(cfg)
	case "local", "":
		return NewLocalStorage(cfg.LocalPath, cfg.LocalURL)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// keyFromURL strips a backend's public prefix from url.
func keyFromURL(prefix, url string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(url, prefix)
	if key == "" {
		return "", false
	}
	return key, true
}
