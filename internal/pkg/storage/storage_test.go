package storage

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestBlobsRoundTrip(t *testing.T) {
	t.Parallel()

	st, err := NewLocalStorage(t.TempDir(), "http://localhost:8080/files")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	blobs := NewBlobs(st)
	ctx := context.Background()

	url, err := blobs.Put(ctx, "plushify/originals/u1/g1.png", []byte("hello"), "image/png")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if want := "http://localhost:8080/files/plushify/originals/u1/g1.png"; url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}

	// overwrite under the same key is harmless
	if _, err := blobs.Put(ctx, "plushify/originals/u1/g1.png", []byte("hello2"), "image/png"); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	data, err := blobs.Fetch(ctx, url)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "hello2" {
		t.Fatalf("data = %q", data)
	}

	if err := blobs.Delete(ctx, url); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := blobs.Delete(ctx, url); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
	if _, err := blobs.Fetch(ctx, url); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch after delete err = %v, want ErrNotFound", err)
	}
}

func TestBlobsRejectsForeignURL(t *testing.T) {
	t.Parallel()

	st, err := NewLocalStorage(t.TempDir(), "http://localhost:8080/files")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	if err := NewBlobs(st).Delete(context.Background(), "https://elsewhere.example/x.png"); err == nil {
		t.Fatal("expected error for foreign url")
	}
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	t.Parallel()

	st, err := NewLocalStorage(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	if err := st.Put(context.Background(), "../escape.txt", []byte("x"), "text/plain"); err == nil {
		t.Fatal("expected error for traversal key")
	}
}

func TestValidateImage(t *testing.T) {
	t.Parallel()

	img := pngBytes(t)

	tests := []struct {
		name     string
		data     []byte
		declared string
		max      int64
		want     string
		wantErr  error
	}{
		{name: "png", data: img, declared: "image/png", max: 1 << 20, want: "image/png"},
		{name: "no declared type", data: img, max: 1 << 20, want: "image/png"},
		{name: "empty", data: nil, declared: "image/png", max: 1 << 20, wantErr: ErrEmptyFile},
		{name: "too large", data: img, declared: "image/png", max: 8, wantErr: ErrFileTooLarge},
		{name: "declared text", data: img, declared: "text/plain", max: 1 << 20, wantErr: ErrInvalidMimeType},
		{name: "not an image", data: []byte("just some text"), declared: "image/png", max: 1 << 20, wantErr: ErrInvalidMimeType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateImage(tt.data, tt.declared, tt.max)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mime = %q, want %q", got, tt.want)
			}
		})
	}
}
