package storage

import (
	"context"
	"fmt"
)

// Blobs adapts a Storage backend to the URL based capability the
// generation pipeline uses: objects are written by key and afterwards
// referenced only by their public URL.
type Blobs struct {
	storage Storage
}

func NewBlobs(st Storage) *Blobs {
	return &Blobs{storage: st}
}

// Put uploads data under key and returns its public URL.
func (b *Blobs) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := b.storage.Put(ctx, key, data, contentType); err != nil {
		return "", err
	}
	return b.storage.GetURL(key), nil
}

// Fetch downloads the object behind a URL previously returned by Put.
func (b *Blobs) Fetch(ctx context.Context, url string) ([]byte, error) {
	key, err := b.key(url)
	if err != nil {
		return nil, err
	}
	return b.storage.Get(ctx, key)
}

// Delete removes the object behind a URL previously returned by Put.
func (b *Blobs) Delete(ctx context.Context, url string) error {
	key, err := b.key(url)
	if err != nil {
		return err
	}
	return b.storage.Delete(ctx, key)
}

func (b *Blobs) key(url string) (string, error) {
	key, ok := keyFromURL(b.storage.GetURL(""), url)
	if !ok {
		return "", fmt.Errorf("url %q does not belong to this storage", url)
	}
	return key, nil
}
