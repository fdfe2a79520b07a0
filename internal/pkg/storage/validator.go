package storage

import (
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrFileTooLarge    = errors.New("file exceeds maximum size")
	ErrInvalidMimeType = errors.New("file type not allowed")
	ErrEmptyFile       = errors.New("file is empty")
)

// ValidateImage checks upload size and that the content is an image.
// The declared type is trusted only when the bytes agree with it; the
// detected type is returned.
func ValidateImage(data []byte, declared string, maxSize int64) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyFile
	}
	if int64(len(data)) > maxSize {
		return "", ErrFileTooLarge
	}

	if declared != "" && !strings.HasPrefix(declared, "image/") {
		return "", ErrInvalidMimeType
	}

	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return "", ErrInvalidMimeType
	}
	return detected.String(), nil
}

// ExtensionForMime returns the file extension (without dot) for an image type.
func ExtensionForMime(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "image/heic":
		return "heic"
	}
	if m := mimetype.Lookup(mimeType); m != nil && m.Extension() != "" {
		return strings.TrimPrefix(m.Extension(), ".")
	}
	return "png"
}
