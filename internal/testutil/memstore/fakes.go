package memstore

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"

	"github.com/plushify/plushify-api/internal/pkg/storage"
)

const blobURLPrefix = "https://blobs.test/"

// Blobs is an in-memory generation.BlobStore that records deletions.
type Blobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string

	// PutErr and DeleteErr, when set, are returned by every call.
	PutErr    error
	DeleteErr error
}

func NewBlobs() *Blobs {
	return &Blobs{objects: make(map[string][]byte)}
}

func (b *Blobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PutErr != nil {
		return "", b.PutErr
	}
	url := blobURLPrefix + key
	b.objects[url] = append([]byte(nil), data...)
	return url, nil
}

func (b *Blobs) Fetch(_ context.Context, url string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[url]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func (b *Blobs) Delete(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, url)
	if b.DeleteErr != nil {
		return b.DeleteErr
	}
	delete(b.objects, url)
	return nil
}

func (b *Blobs) Has(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[url]
	return ok
}

// Deleted lists every URL a deletion was attempted for.
func (b *Blobs) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

// KeyOf strips the fake URL prefix.
func KeyOf(url string) string {
	return strings.TrimPrefix(url, blobURLPrefix)
}

// AI is a scripted pipeline.Inference.
type AI struct {
	mu             sync.Mutex
	analyzeCalls   int
	transformCalls int

	AnalyzeFunc   func(call int) (string, error)
	TransformFunc func(call int) ([]byte, string, error)
}

func (a *AI) Analyze(_ context.Context, _ []byte, _ string) (string, error) {
	a.mu.Lock()
	a.analyzeCalls++
	call := a.analyzeCalls
	a.mu.Unlock()
	if a.AnalyzeFunc == nil {
		return "Subject Type: pet\nDescription: a small dog", nil
	}
	return a.AnalyzeFunc(call)
}

func (a *AI) Transform(_ context.Context, _ []byte, _ string, _ string) ([]byte, string, error) {
	a.mu.Lock()
	a.transformCalls++
	call := a.transformCalls
	a.mu.Unlock()
	if a.TransformFunc == nil {
		return PNG(8, 8), "image/png", nil
	}
	return a.TransformFunc(call)
}

func (a *AI) Calls() (analyze, transform int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.analyzeCalls, a.transformCalls
}

// PNG encodes a solid w x h image.
func PNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
